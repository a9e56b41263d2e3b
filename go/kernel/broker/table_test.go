package broker

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models"
)

type owner string

func (o owner) Name() string { return string(o) }

var iid = models.MustParseGuid("55555555-0000-0000-0000-000000000001")

func TestTableClaimRelease(t *testing.T) {
	var freed []Entry
	var freedUsed []bool
	tab := NewTable("test", 0x1000, 4, 2, func(h Handle, e Entry, used bool) {
		freed = append(freed, e)
		freedUsed = append(freedUsed, used)
	})
	a, err := tab.Claim(owner("a"), 0x100, iid, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tab.Claim(owner("b"), 0x200, iid, true)
	if err != nil {
		t.Fatal(err)
	}
	if tab.Addr(a) != 0x1000 || tab.Addr(b) != 0x1004 {
		t.Fatalf("stub addresses %#x %#x", tab.Addr(a), tab.Addr(b))
	}
	if _, err := tab.Claim(owner("c"), 0x300, iid, false); errors.Cause(err) != unix.ENFILE {
		t.Fatalf("claim on full table: %v", err)
	}
	if tab.Len() != 2 {
		t.Fatalf("len %d", tab.Len())
	}
	if n, err := tab.AddRef(a); err != nil || n != 2 {
		t.Fatalf("addref = %d, %v", n, err)
	}
	if n, err := tab.Release(a); err != nil || n != 1 {
		t.Fatalf("release = %d, %v", n, err)
	}
	if len(freed) != 0 {
		t.Fatal("freed too early")
	}
	if n, err := tab.Release(a); err != nil || n != 0 {
		t.Fatalf("last release = %d, %v", n, err)
	}
	if len(freed) != 1 || freed[0].Object != 0x100 || freedUsed[0] {
		t.Fatalf("free hook got %+v %v", freed, freedUsed)
	}
	if _, err := tab.Release(a); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("release on stale handle: %v", err)
	}
	if _, err := tab.AddRef(a); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("addref on stale handle: %v", err)
	}
	// the freed slot is reused under a new generation
	c, err := tab.Claim(owner("c"), 0x300, iid, false)
	if err != nil {
		t.Fatal(err)
	}
	if c.Index != a.Index || c.Gen == a.Gen {
		t.Fatalf("reused slot %s after %s", c, a)
	}
	if _, err := tab.Lookup(a); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("stale lookup: %v", err)
	}
	tab.Release(b)
	if len(freedUsed) != 2 || !freedUsed[1] {
		t.Fatalf("used flag lost: %v", freedUsed)
	}
}

func TestTableResolve(t *testing.T) {
	tab := NewTable("test", 0x1000, 4, 4, nil)
	h, _ := tab.Claim(owner("a"), 0x100, iid, false)
	got, ok := tab.Resolve(tab.Addr(h))
	if !ok || got != h {
		t.Fatalf("resolve %#x = %s, %v", tab.Addr(h), got, ok)
	}
	for _, addr := range []uint64{0, 0xffc, 0x1002, 0x1004, 0x1010} {
		if _, ok := tab.Resolve(addr); ok {
			t.Errorf("%#x resolved", addr)
		}
	}
	if !tab.Contains(0x100c) || tab.Contains(0x1010) {
		t.Fatal("bad Contains bounds")
	}
}

func TestTableUse(t *testing.T) {
	tab := NewTable("test", 0, 4, 1, nil)
	h, _ := tab.Claim(owner("a"), 1, iid, false)
	if first, _ := tab.Use(h); !first {
		t.Fatal("first Use did not set the flag")
	}
	if again, _ := tab.Use(h); again {
		t.Fatal("second Use set the flag again")
	}
	if !tab.Used(h) {
		t.Fatal("Used = false")
	}
}

func TestTableEach(t *testing.T) {
	tab := NewTable("test", 0x10, 4, 8, nil)
	for i := 0; i < 5; i++ {
		tab.Claim(owner("a"), uint64(i), iid, false)
	}
	h, _ := tab.Resolve(0x14)
	tab.Release(h)
	var objects []uint64
	tab.Each(func(s SlotInfo) bool {
		objects = append(objects, s.Entry.Object)
		return true
	})
	want := []uint64{0, 2, 3, 4}
	if len(objects) != len(want) {
		t.Fatalf("Each saw %v", objects)
	}
	for i := range want {
		if objects[i] != want[i] {
			t.Fatalf("Each saw %v, want %v", objects, want)
		}
	}
}

func TestTableConcurrentClaims(t *testing.T) {
	const size = 64
	const workers = 8
	var mu sync.Mutex
	freed := 0
	tab := NewTable("test", 0, 4, size, func(Handle, Entry, bool) {
		mu.Lock()
		freed++
		mu.Unlock()
	})
	var g errgroup.Group
	claimed := make([][]Handle, workers)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for {
				h, err := tab.Claim(owner("w"), uint64(w), iid, false)
				if errors.Cause(err) == unix.ENFILE {
					return nil
				} else if err != nil {
					return err
				}
				claimed[w] = append(claimed[w], h)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]int)
	total := 0
	for w, hs := range claimed {
		for _, h := range hs {
			if prev, ok := seen[h.Index]; ok {
				t.Fatalf("slot %d claimed by %d and %d", h.Index, prev, w)
			}
			seen[h.Index] = w
			total++
		}
	}
	if total != size || tab.Len() != size {
		t.Fatalf("claimed %d slots, len %d", total, tab.Len())
	}
	for _, hs := range claimed {
		hs := hs
		g.Go(func() error {
			for _, h := range hs {
				if _, err := tab.Release(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if freed != size || tab.Len() != 0 {
		t.Fatalf("freed %d, len %d", freed, tab.Len())
	}
}

func TestTableRefsRace(t *testing.T) {
	tab := NewTable("test", 0, 4, 1, nil)
	h, _ := tab.Claim(owner("a"), 1, iid, false)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 100; j++ {
				if _, err := tab.AddRef(h); err != nil {
					return err
				}
				if _, err := tab.Release(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := tab.Refs(h); n != 1 {
		t.Fatalf("refs = %d after balanced race", n)
	}
}

func TestTableStaleHandle(t *testing.T) {
	tab := NewTable("test", 0, 4, 1, nil)
	old, _ := tab.Claim(owner("a"), 1, iid, false)
	if _, err := tab.Release(old); err != nil {
		t.Fatal(err)
	}
	cur, err := tab.Claim(owner("b"), 2, iid, false)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Index != old.Index || cur.Gen == old.Gen {
		t.Fatalf("reclaimed %s after %s", cur, old)
	}
	if _, err := tab.AddRef(old); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("addref on stale handle: %v", err)
	}
	if _, err := tab.Release(old); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("release on stale handle: %v", err)
	}
	if _, err := tab.Use(old); errors.Cause(err) != unix.EBADFD {
		t.Fatalf("use on stale handle: %v", err)
	}
	if tab.Refs(cur) != 1 || tab.Used(cur) {
		t.Fatalf("new lifetime touched: refs=%d used=%v", tab.Refs(cur), tab.Used(cur))
	}
}

// Stale handles racing a slot that is freed and reclaimed must never move
// the count of the lifetime that currently owns it.
func TestTableStaleHandleRace(t *testing.T) {
	tab := NewTable("test", 0, 4, 1, nil)
	old, _ := tab.Claim(owner("a"), 1, iid, false)
	if _, err := tab.Release(old); err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 500; i++ {
			h, err := tab.Claim(owner("b"), uint64(i), iid, false)
			if err != nil {
				return err
			}
			n, err := tab.Release(h)
			if err != nil {
				return err
			}
			if n != 0 {
				return errors.Errorf("lifetime %s left with %d refs", h, n)
			}
		}
		return nil
	})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 500; j++ {
				if _, err := tab.AddRef(old); err == nil {
					return errors.New("addref through stale handle")
				}
				if _, err := tab.Release(old); err == nil {
					return errors.New("release through stale handle")
				}
				if _, err := tab.Use(old); err == nil {
					return errors.New("use through stale handle")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if tab.Len() != 0 {
		t.Fatalf("len %d", tab.Len())
	}
}
