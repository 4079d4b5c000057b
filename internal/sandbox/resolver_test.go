package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/turnstile/internal/sessions"
)

func newKeys(mainKey string) *sessions.Resolver {
	return sessions.NewResolver(sessions.ScopeConfig{MainKey: mainKey})
}

func TestPlanNonMainSkipsMainAlias(t *testing.T) {
	r := NewResolver(newKeys("work"), Config{Mode: ModeNonMain}, nil, nil)

	for _, key := range []string{"work", "WORK", "main", "agent:main:work", "agent:main:main"} {
		if sc := r.Plan(key, "", ""); sc != nil {
			t.Errorf("Plan(%q) = %+v, want no sandbox", key, sc)
		}
	}

	sc := r.Plan("agent:main:slack:group:c1", "", "")
	if sc == nil {
		t.Fatal("group session should be sandboxed under non-main")
	}
	if sc.Key != "session:agent:main:slack:group:c1" || sc.Scope != ScopeSession {
		t.Fatalf("Plan() = %+v", sc)
	}
}

func TestPlanModes(t *testing.T) {
	tests := []struct {
		mode Mode
		key  string
		want bool
	}{
		{ModeOff, "agent:main:dm:bob", false},
		{ModeOff, "main", false},
		{ModeAll, "main", true},
		{ModeAll, "agent:main:dm:bob", true},
		{ModeNonMain, "agent:main:dm:bob", true},
		{ModeNonMain, "main", false},
		{"bogus", "agent:main:dm:bob", false},
	}
	for _, tt := range tests {
		r := NewResolver(newKeys(""), Config{Mode: tt.mode}, nil, nil)
		if got := r.Plan(tt.key, "", "") != nil; got != tt.want {
			t.Errorf("mode %q key %q: sandboxed = %v, want %v", tt.mode, tt.key, got, tt.want)
		}
	}
}

func TestPlanOtherAgentsMainIsNotMain(t *testing.T) {
	r := NewResolver(newKeys(""), Config{Mode: ModeNonMain}, nil, nil)
	if r.Plan("agent:ops:main", "", "") != nil {
		t.Fatal("ops main session is that agent's main")
	}
	if sc := r.Plan("agent:ops:dm:bob", "", ""); sc == nil || sc.AgentID != "ops" {
		t.Fatalf("Plan() = %+v, want ops sandbox", sc)
	}
}

func TestPlanScopesAndAgentOverride(t *testing.T) {
	r := NewResolver(newKeys(""), Config{Mode: ModeAll, Scope: ScopeSession}, map[string]Config{
		"Ops":    {Scope: ScopeAgent, Access: "rw"},
		"shared": {Scope: ScopeShared},
		"quiet":  {Mode: ModeOff},
	}, nil)

	if sc := r.Plan("agent:ops:dm:bob", "", ""); sc.Key != "agent:ops" || sc.Access != AccessReadWrite {
		t.Fatalf("agent scope = %+v", sc)
	}
	if sc := r.Plan("agent:shared:dm:bob", "", ""); sc.Key != "shared" {
		t.Fatalf("shared scope = %+v", sc)
	}
	if sc := r.Plan("agent:quiet:dm:bob", "", ""); sc != nil {
		t.Fatalf("per-agent off = %+v", sc)
	}
	if sc := r.Plan("agent:main:dm:bob", "", ""); sc.Access != AccessReadOnly {
		t.Fatalf("default access = %q", sc.Access)
	}
}

func TestPlanRunScopeIsFreshPerTurn(t *testing.T) {
	r := NewResolver(newKeys(""), Config{Mode: ModeAll, Scope: ScopeRun}, nil, nil)
	a := r.Plan("main", "", "")
	b := r.Plan("main", "", "")
	if a.RunID == "" || a.Key == b.Key {
		t.Fatalf("run scope keys should differ: %q vs %q", a.Key, b.Key)
	}
	if c := r.Plan("main", "", "turn-1"); c.Key != "run:turn-1" {
		t.Fatalf("Key = %q, want run:turn-1", c.Key)
	}
}

func TestAcquireWorkspaces(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspaces(root, nil)

	t.Run("session scope is reused", func(t *testing.T) {
		r := NewResolver(newKeys(""), Config{Mode: ModeAll}, nil, ws)
		first, err := r.Acquire("agent:main:dm:bob", "", "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(first.Dir, root) {
			t.Fatalf("Dir = %q, want under %q", first.Dir, root)
		}
		if err := first.Release(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(first.Dir); err != nil {
			t.Fatalf("session workspace should survive release: %v", err)
		}
		second, err := r.Acquire("agent:main:dm:bob", "", "")
		if err != nil {
			t.Fatal(err)
		}
		defer second.Release()
		if second.Dir != first.Dir {
			t.Fatalf("second Dir = %q, want %q", second.Dir, first.Dir)
		}
	})

	t.Run("run scope is removed", func(t *testing.T) {
		r := NewResolver(newKeys(""), Config{Mode: ModeAll, Scope: ScopeRun}, nil, ws)
		sc, err := r.Acquire("agent:main:dm:bob", "", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(sc.Dir); err != nil {
			t.Fatalf("run workspace missing: %v", err)
		}
		if err := sc.Release(); err != nil {
			t.Fatal(err)
		}
		if err := sc.Release(); err != nil {
			t.Fatalf("second Release() = %v", err)
		}
		if _, err := os.Stat(sc.Dir); !os.IsNotExist(err) {
			t.Fatalf("run workspace should be removed, stat err = %v", err)
		}
	})

	t.Run("unsandboxed session", func(t *testing.T) {
		r := NewResolver(newKeys(""), Config{Mode: ModeNonMain}, nil, ws)
		sc, err := r.Acquire("main", "", "")
		if err != nil || sc != nil {
			t.Fatalf("Acquire() = %+v, %v; want nil, nil", sc, err)
		}
		if err := sc.Release(); err != nil {
			t.Fatal("Release on nil context should be a no-op")
		}
	})
}

func TestAcquireWithoutRoot(t *testing.T) {
	r := NewResolver(newKeys(""), Config{Mode: ModeAll}, nil, NewWorkspaces("", nil))
	if _, err := r.Acquire("main", "", ""); err != ErrNoRoot {
		t.Fatalf("error = %v, want ErrNoRoot", err)
	}
}

func TestWorkspacePathSanitized(t *testing.T) {
	ws := NewWorkspaces("/tmp/ws", nil)
	for _, key := range []string{"session:agent:main:../../etc", "..", "shared:/"} {
		got := ws.Path(key)
		if filepath.Dir(got) != "/tmp/ws" {
			t.Errorf("Path(%q) = %q, want a direct child of the root", key, got)
		}
	}
}

func TestAcquireDistinctKeysNeverShareWorkspace(t *testing.T) {
	r := NewResolver(newKeys(""), Config{Mode: ModeAll}, nil, NewWorkspaces(t.TempDir(), nil))

	keys := []string{
		"agent:main:dm:@alice:example.org",
		"agent:main:dm:@alice_example.org",
		"agent:main:dm:alice/example.org",
		"agent:main:dm:alice_example.org",
	}
	seen := make(map[string]string)
	for _, key := range keys {
		sc, err := r.Acquire(key, "", "")
		if err != nil {
			t.Fatalf("Acquire(%q) error = %v", key, err)
		}
		defer sc.Release()
		if other, ok := seen[sc.Dir]; ok {
			t.Fatalf("%q and %q share workspace %s", key, other, sc.Dir)
		}
		seen[sc.Dir] = key
	}
}

func TestParsers(t *testing.T) {
	if m, ok := ParseMode("Non_Main"); !ok || m != ModeNonMain {
		t.Errorf("ParseMode = %q, %v", m, ok)
	}
	if s, ok := ParseScope("turn"); !ok || s != ScopeRun {
		t.Errorf("ParseScope = %q, %v", s, ok)
	}
	if ParseWorkspaceAccess("read-write") != AccessReadWrite || ParseWorkspaceAccess("x") != AccessReadOnly {
		t.Error("ParseWorkspaceAccess mismatch")
	}
}
