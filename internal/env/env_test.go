package env

import (
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeOrder(t *testing.T) {
	t.Setenv("GITVIEW_TEST_BASE", "os")
	t.Setenv("GITVIEW_TEST_OVER", "os")
	e := New([]string{"GITVIEW_TEST_OVER=global", "NODE_ENV=development"})
	got := e.Merge("PORT=3001", "NODE_ENV=production")

	if v, _ := lookup(got, "GITVIEW_TEST_BASE"); v != "os" {
		t.Fatalf("base var lost: %q", v)
	}
	if v, _ := lookup(got, "GITVIEW_TEST_OVER"); v != "global" {
		t.Fatalf("global should override os: %q", v)
	}
	if v, _ := lookup(got, "NODE_ENV"); v != "production" {
		t.Fatalf("extra should override global: %q", v)
	}
	if v, _ := lookup(got, "PORT"); v != "3001" {
		t.Fatalf("PORT: %q", v)
	}
}

func TestMergeExpansion(t *testing.T) {
	e := New([]string{"APP_HOME=/srv/app", "APP_LOGS=${APP_HOME}/logs", "KEEP=${NOPE_UNSET_X}"})
	got := e.Merge()
	if v, _ := lookup(got, "APP_LOGS"); v != "/srv/app/logs" {
		t.Fatalf("expansion: %q", v)
	}
	if v, _ := lookup(got, "KEEP"); v != "${NOPE_UNSET_X}" {
		t.Fatalf("unknown refs should be kept: %q", v)
	}
}

func TestMalformedEntriesSkipped(t *testing.T) {
	e := New([]string{"=nokey", "novalue", "OK=1"})
	e.Set("", "ignored")
	e.Set("LATE", "2")
	got := e.Merge("=x")
	if _, ok := lookup(got, "OK"); !ok {
		t.Fatal("OK missing")
	}
	if v, _ := lookup(got, "LATE"); v != "2" {
		t.Fatalf("LATE: %q", v)
	}
	for _, kv := range got {
		if kv[0] == '=' {
			t.Fatalf("entry with empty key: %q", kv)
		}
	}
}
