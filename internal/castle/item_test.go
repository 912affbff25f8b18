package castle

import "testing"

func TestNewItem_ExtractsFieldsAndPassesThroughRest(t *testing.T) {
	rec := Record{
		"pid":     1,
		"age":     float64(30),
		"income":  float64(50000),
		"disease": "flu",
		"note":    "unrelated",
	}
	item := NewItem(rec, []string{"age", "income"}, "disease")

	if item.PID() != 1 {
		t.Errorf("PID() = %v, want 1", item.PID())
	}
	if item.Sensitive() != "flu" {
		t.Errorf("Sensitive() = %v, want flu", item.Sensitive())
	}
	v, ok := item.Value("age")
	if !ok || v != 30 {
		t.Errorf("Value(age) = (%v, %v), want (30, true)", v, ok)
	}
	if _, ok := item.Value("note"); ok {
		t.Errorf("Value(note) should not be present — not a configured header")
	}
}

func TestNewItem_NonNumericHeaderSkipped(t *testing.T) {
	rec := Record{"pid": 1, "age": "thirty", "disease": "flu"}
	item := NewItem(rec, []string{"age"}, "disease")
	if _, ok := item.Value("age"); ok {
		t.Errorf("non-numeric header value should not be extracted")
	}
}

func TestItem_SetValueOverwrites(t *testing.T) {
	rec := Record{"pid": 1, "age": float64(30), "disease": "flu"}
	item := NewItem(rec, []string{"age"}, "disease")
	item.setValue("age", 99)
	v, ok := item.Value("age")
	if !ok || v != 99 {
		t.Errorf("setValue should overwrite, got (%v, %v)", v, ok)
	}
}

func TestItem_RawIsACopy(t *testing.T) {
	rec := Record{"pid": 1, "age": float64(30), "disease": "flu"}
	item := NewItem(rec, []string{"age"}, "disease")
	raw := item.Raw()
	raw["age"] = float64(999)
	v, _ := item.Value("age")
	if v != 30 {
		t.Errorf("mutating Raw() copy should not affect the item, got %v", v)
	}
}

func TestItem_Distance(t *testing.T) {
	a := NewItem(Record{"pid": 1, "x": float64(0), "y": float64(0), "s": "a"}, []string{"x", "y"}, "s")
	b := NewItem(Record{"pid": 2, "x": float64(3), "y": float64(4), "s": "a"}, []string{"x", "y"}, "s")
	// RMS over [3, 4] is sqrt((9+16)/2) = sqrt(12.5)
	want := 3.5355339059327378
	if got := a.Distance(b, []string{"x", "y"}); got < want-1e-9 || got > want+1e-9 {
		t.Errorf("Distance() = %v, want %v", got, want)
	}
}

func TestItem_DistanceEmptyHeaders(t *testing.T) {
	a := NewItem(Record{"pid": 1, "s": "a"}, nil, "s")
	b := NewItem(Record{"pid": 2, "s": "a"}, nil, "s")
	if got := a.Distance(b, nil); got != 0 {
		t.Errorf("Distance with no headers should be 0, got %v", got)
	}
}

func TestItem_ParentLifecycle(t *testing.T) {
	c := NewCluster([]string{"age"})
	item := NewItem(Record{"pid": 1, "age": float64(10), "disease": "flu"}, []string{"age"}, "disease")
	if item.Parent() != nil {
		t.Errorf("new item should have nil parent")
	}
	c.Insert(item)
	if item.Parent() != c {
		t.Errorf("Insert should set parent")
	}
	c.Remove(item)
	if item.Parent() != nil {
		t.Errorf("Remove should clear parent")
	}
}
