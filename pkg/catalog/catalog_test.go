package catalog

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/ir"
)

func TestMustLoadBuildsNonEmptyCatalog(t *testing.T) {
	c := MustLoad()
	if len(c.List()) == 0 {
		t.Fatal("expected catalog to contain indicators")
	}
}

func TestFindResolvesAliases(t *testing.T) {
	c := MustLoad()
	meta, ok := c.Find("RSI")
	if !ok {
		t.Fatal("expected alias RSI to resolve")
	}
	if meta.ID != "rsi" {
		t.Errorf("expected id rsi, got %s", meta.ID)
	}
}

func TestFindUnknownReturnsFalse(t *testing.T) {
	c := MustLoad()
	if _, ok := c.Find("not_a_real_indicator"); ok {
		t.Fatal("expected unknown indicator to not resolve")
	}
}

func TestListIsSortedByID(t *testing.T) {
	c := MustLoad()
	list := c.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Fatalf("catalog list not sorted: %s before %s", list[i-1].ID, list[i].ID)
		}
	}
}

func TestCoerceParamsFillsDefault(t *testing.T) {
	c := MustLoad()
	meta, _ := c.Find("rsi")
	params, err := c.CoerceParams(meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if params["length"].Num != 14 {
		t.Errorf("expected default length 14, got %v", params["length"].Num)
	}
}

func TestCoerceParamsRejectsOutOfRange(t *testing.T) {
	c := MustLoad()
	meta, _ := c.Find("rsi")
	_, err := c.CoerceParams(meta, []ir.Param{
		{Name: "length", Value: ir.IntParam(1)},
	})
	if err == nil {
		t.Fatal("expected parameter out of range error for length=1 (min=2)")
	}
}

func TestCoerceParamsResolvesEnum(t *testing.T) {
	c := MustLoad()
	meta, _ := c.Find("vwap")
	params, err := c.CoerceParams(meta, []ir.Param{
		{Name: "anchor", Value: ir.StringParam("session")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if params["anchor"].Str != "session" {
		t.Errorf("expected anchor=session, got %q", params["anchor"].Str)
	}
}

func TestCoerceParamsRejectsInvalidEnum(t *testing.T) {
	c := MustLoad()
	meta, _ := c.Find("vwap")
	_, err := c.CoerceParams(meta, []ir.Param{
		{Name: "anchor", Value: ir.StringParam("bogus")},
	})
	if err == nil {
		t.Fatal("expected invalid enum value to be rejected")
	}
}

func TestCoerceParamsAcceptsDecimalLiteral(t *testing.T) {
	c := MustLoad()
	meta, _ := c.Find("bbands")
	d, _ := decimal.NewFromString("2.5")
	params, err := c.CoerceParams(meta, []ir.Param{
		{Name: "stddev", Value: ir.NumberParam(d)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if params["stddev"].Num != 2.5 {
		t.Errorf("expected stddev=2.5, got %v", params["stddev"].Num)
	}
}
