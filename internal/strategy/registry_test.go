package strategy

import (
	"testing"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/storage"
)

func TestBuiltinRegistryBuildsMeanRevert(t *testing.T) {
	reg := Builtin()
	deps := Deps{Store: storage.NewMemory(), Logger: quietLogger(), Settings: testSettings(map[string]any{"quantity": "1"})}

	strat, err := reg.New("MeanRevert", deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if strat.Key() != "meanrevert:sim:BTC_USDT" {
		t.Fatalf("key = %s", strat.Key())
	}
	if len(strat.Channels()) != 1 {
		t.Fatalf("channels = %v", strat.Channels())
	}
}

func TestRegistryRejectsUnknownStrategy(t *testing.T) {
	_, err := Builtin().New("momentum", Deps{Store: storage.NewMemory()})
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestRegistryRejectsDuplicateAndBadRegistrations(t *testing.T) {
	reg := NewRegistry()
	factory := func(Deps) (Strategy, error) { return nil, nil }

	if err := reg.Register("custom", factory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("Custom", factory); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("duplicate register err = %v", err)
	}
	if err := reg.Register("  ", factory); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("blank name err = %v", err)
	}
	if err := reg.Register("other", nil); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("nil factory err = %v", err)
	}
}

func TestRegistryNamesAreSorted(t *testing.T) {
	reg := Builtin()
	factory := func(Deps) (Strategy, error) { return nil, nil }
	if err := reg.Register("alpha", factory); err != nil {
		t.Fatalf("Register: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != NameMeanRevert {
		t.Fatalf("names = %v", names)
	}
}
