package hyperspace

import "testing"

func TestParseMasterAddresses(t *testing.T) {
	addrs, err := ParseMasterAddresses("master-a.example.com, master-b.example.com:9000 ,,master-a.example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"master-a.example.com:38040", "master-b.example.com:9000"}
	if len(addrs) != len(want) {
		t.Fatalf("expected %d addresses, got %v", len(want), addrs)
	}
	for i, addr := range want {
		if addrs[i] != addr {
			t.Fatalf("address %d: expected %s, got %s", i, addr, addrs[i])
		}
	}
}

func TestParseMasterAddressesEmpty(t *testing.T) {
	if _, err := ParseMasterAddresses(" , ,"); err == nil {
		t.Fatal("expected error for empty address list")
	}
}

func TestNormalizeMasterAddr(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"master-a.example.com", "master-a.example.com:38040"},
		{"master-a.example.com:9000", "master-a.example.com:9000"},
		{"10.0.0.7", "10.0.0.7:38040"},
		{"::1", "[::1]:38040"},
		{"[::1]:5000", "[::1]:5000"},
	}
	for _, tc := range cases {
		got, err := normalizeMasterAddr(tc.in)
		if err != nil {
			t.Fatalf("normalize %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalize %q: expected %s, got %s", tc.in, tc.want, got)
		}
	}
	if _, err := normalizeMasterAddr("tcp://master-a:38040"); err == nil {
		t.Fatal("expected error for scheme-prefixed address")
	}
	if _, err := normalizeMasterAddr("  "); err == nil {
		t.Fatal("expected error for blank address")
	}
}

func TestMasterListRotation(t *testing.T) {
	list := newMasterList([]string{"a:1", "b:1", "c:1"})
	if list.current() != "a:1" {
		t.Fatalf("expected primary a:1, got %s", list.current())
	}
	if next := list.next(); next != "b:1" {
		t.Fatalf("expected b:1, got %s", next)
	}
	if next := list.next(); next != "c:1" {
		t.Fatalf("expected c:1, got %s", next)
	}
	if next := list.next(); next != "a:1" {
		t.Fatalf("expected wrap to a:1, got %s", next)
	}
	list.next()
	list.reset()
	if list.current() != "a:1" {
		t.Fatalf("expected reset to primary, got %s", list.current())
	}
}

func TestMasterListReplaceFollowsActive(t *testing.T) {
	list := newMasterList([]string{"a:1", "b:1"})
	list.next()
	if list.current() != "b:1" {
		t.Fatalf("expected b:1 active, got %s", list.current())
	}
	list.replace([]string{"c:1", "b:1", "d:1"})
	if list.current() != "b:1" {
		t.Fatalf("expected cursor to follow b:1, got %s", list.current())
	}
	list.replace([]string{"e:1", "f:1"})
	if list.current() != "e:1" {
		t.Fatalf("expected cursor reset to new primary, got %s", list.current())
	}
}
