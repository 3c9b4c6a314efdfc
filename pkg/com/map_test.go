package com

import (
	"sync"
	"testing"
)

func TestMapFind(t *testing.T) {
	m := NewMap[string, int]()
	m.Put("a", 1)

	if v, err := m.Find("a"); err != nil || v != 1 {
		t.Fatalf("Find(a) = %v, %v", v, err)
	}
	if _, err := m.Find("b"); err != ErrNotFound {
		t.Fatalf("Find(b) err = %v, want ErrNotFound", err)
	}
	if _, err := m.Find(""); err != ErrNotFound {
		t.Fatalf("Find of a zero key must fail")
	}
}

func TestMapPop(t *testing.T) {
	m := NewMap[int, string]()
	m.Put(7, "x")

	v, err := m.Pop(7)
	if err != nil || v != "x" {
		t.Fatalf("Pop = %v, %v", v, err)
	}
	if _, err := m.Pop(7); err != ErrNotFound {
		t.Fatalf("second Pop err = %v, want ErrNotFound", err)
	}
	if !m.IsEmpty() {
		t.Fatalf("map not empty after Pop")
	}
}

func TestMapPutIfAbsent(t *testing.T) {
	m := NewMap[string, int]()
	if !m.PutIfAbsent("k", 1) {
		t.Fatalf("first PutIfAbsent failed")
	}
	if m.PutIfAbsent("k", 2) {
		t.Fatalf("second PutIfAbsent succeeded")
	}
	if v, _ := m.Find("k"); v != 1 {
		t.Fatalf("value overwritten: %v", v)
	}
}

func TestMapDrain(t *testing.T) {
	m := NewMap[int, int]()
	for i := 1; i <= 5; i++ {
		m.Put(i, i*i)
	}
	got := make(map[int]int)
	m.Drain(func(k, v int) { got[k] = v })
	if len(got) != 5 || !m.IsEmpty() {
		t.Fatalf("Drain left %d entries, collected %d", m.Len(), len(got))
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				m.Put(base*1000+i, i)
				m.Has(base*1000 + i)
			}
		}(w)
	}
	wg.Wait()
	if m.Len() != 400 {
		t.Fatalf("Len = %d, want 400", m.Len())
	}
}
