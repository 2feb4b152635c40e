package jit

import "testing"

func TestSiteTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     LoopSiteState
		ev       siteEvent
		trees    int
		unstable bool
		want     LoopSiteState
		wantErr  bool
	}{
		{"cold records", Cold, evRecord, 0, false, Recording, false},
		{"double record", Recording, evRecord, 0, false, Recording, true},
		{"compiled stable", Recording, evCompiled, 1, false, CompiledStable, false},
		{"compiled unstable", Recording, evCompiled, 1, true, CompiledUnstable, false},
		{"compile while cold", Cold, evCompiled, 1, false, Cold, true},
		{"abort without trees", Recording, evAbort, 0, false, Cold, false},
		{"abort with peers", Recording, evAbort, 2, false, CompiledStable, false},
		{"blacklist empty site", Cold, evBlacklist, 0, false, Blacklisted, false},
		{"blacklist keeps trees", CompiledUnstable, evBlacklist, 1, true, CompiledUnstable, false},
		{"blacklisted records again", Blacklisted, evRecord, 0, false, Recording, false},
		{"link stabilizes", CompiledUnstable, evLinked, 2, false, CompiledStable, false},
		{"link while recording", Recording, evLinked, 2, false, Recording, false},
		{"trash last tree", CompiledStable, evTrash, 0, false, Cold, false},
		{"flush", CompiledUnstable, evFlush, 3, true, Cold, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.next(tt.ev, tt.trees, tt.unstable)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("%s --%s--> %s, want %s", tt.from, tt.ev, got, tt.want)
			}
		})
	}
}

func TestBlacklistBackoff(t *testing.T) {
	s := &LoopSite{}
	const backoff, maxAborts = 2, 3
	a, b := uint64(1), uint64(2)

	if s.noteAbort(a, backoff, maxAborts) {
		t.Fatal("permanent after one abort")
	}
	for i := 0; i < backoff; i++ {
		if !s.blacklisted(a) {
			t.Fatalf("skip %d not honored", i)
		}
	}
	if s.blacklisted(a) {
		t.Fatal("still blacklisted after the backoff")
	}
	if s.blacklisted(b) {
		t.Fatal("other type map blacklisted")
	}

	// The second abort doubles the backoff.
	s.noteAbort(a, backoff, maxAborts)
	for i := 0; i < 2*backoff; i++ {
		if !s.blacklisted(a) {
			t.Fatalf("second backoff: skip %d not honored", i)
		}
	}
	if s.blacklisted(a) {
		t.Fatal("still blacklisted after the second backoff")
	}

	if !s.noteAbort(a, backoff, maxAborts) {
		t.Fatal("not permanent after max aborts")
	}
	for i := 0; i < 100; i++ {
		if !s.blacklisted(a) {
			t.Fatal("permanent blacklist expired")
		}
	}
	if s.blacklisted(b) {
		t.Fatal("permanent blacklist leaked to another type map")
	}
}

func TestForbid(t *testing.T) {
	s := &LoopSite{}
	s.forbid(7)
	if !s.blacklisted(7) || !s.blacklisted(7) {
		t.Fatal("forbidden key not blacklisted")
	}
}

func TestSiteStateNames(t *testing.T) {
	for st, want := range map[LoopSiteState]string{
		Cold:             "cold",
		Recording:        "recording",
		CompiledStable:   "stable",
		CompiledUnstable: "unstable",
		Blacklisted:      "blacklisted",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
