package hotreload

import (
	"context"
	"testing"
)

func TestReloadable(t *testing.T) {
	initial := "initial"
	r := NewReloadable(&initial)

	t.Run("Get", func(t *testing.T) {
		got := r.Get()
		if got == nil || *got != "initial" {
			t.Errorf("Get() = %v, want initial", got)
		}
	})

	t.Run("Swap", func(t *testing.T) {
		newValue := "updated"
		old := r.Swap(&newValue)

		if old == nil || *old != "initial" {
			t.Errorf("Swap() returned %v, want initial", old)
		}

		got := r.Get()
		if got == nil || *got != "updated" {
			t.Errorf("Get() after Swap = %v, want updated", got)
		}
	})

	t.Run("Version", func(t *testing.T) {
		v := r.Version()
		if v != 1 {
			t.Errorf("Version() = %d, want 1 (after one swap)", v)
		}

		another := "another"
		r.Swap(&another)

		v = r.Version()
		if v != 2 {
			t.Errorf("Version() = %d, want 2 (after two swaps)", v)
		}
	})

}

func TestReloadable_Nil(t *testing.T) {
	r := NewReloadable[string](nil)

	got := r.Get()
	if got != nil {
		t.Errorf("Get() on nil = %v, want nil", got)
	}

	value := "value"
	r.Swap(&value)

	got = r.Get()
	if got == nil || *got != "value" {
		t.Errorf("Get() after Swap = %v, want value", got)
	}
}

func TestNewConfigManager(t *testing.T) {
	manager := NewConfigManager()
	if manager == nil {
		t.Fatal("expected non-nil manager")
	}
	if err := manager.TriggerReload(); err != nil {
		t.Errorf("TriggerReload without watcher = %v, want nil", err)
	}
}

func TestConfigManager_StartStop(t *testing.T) {
	path := writeConfig(t, "mode: active\n")
	watcher, err := NewConfigWatcher(WatcherConfig{
		Path:   path,
		Loader: &mockLoader{},
	})
	if err != nil {
		t.Fatalf("NewConfigWatcher error: %v", err)
	}

	manager := NewConfigManager(
		WithConfigWatcher(watcher),
		WithRuntimeConfig(NewRuntimeConfig()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := manager.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}
	if !manager.Status().Running {
		t.Error("expected Running after Start")
	}

	if err := manager.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if err := manager.Stop(); err != nil {
		t.Errorf("second Stop error: %v", err)
	}
	if manager.Status().Running {
		t.Error("expected not Running after Stop")
	}
}

func TestConfigManager_Status(t *testing.T) {
	path := writeConfig(t, "mode: active\n")
	watcher, err := NewConfigWatcher(WatcherConfig{
		Path:   path,
		Loader: &mockLoader{},
	})
	if err != nil {
		t.Fatalf("NewConfigWatcher error: %v", err)
	}
	runtime := NewRuntimeConfig(WithInitial("warn", "honeypot"))

	manager := NewConfigManager(
		WithConfigWatcher(watcher),
		WithRuntimeConfig(runtime),
	)
	if manager.Watcher() != watcher {
		t.Error("Watcher() did not return the configured watcher")
	}
	if manager.Runtime() != runtime {
		t.Error("Runtime() did not return the configured runtime")
	}

	status := manager.Status()
	if status.ConfigPath != watcher.Path() {
		t.Errorf("ConfigPath = %q, want %q", status.ConfigPath, watcher.Path())
	}
	if status.WatcherStats == nil {
		t.Fatal("expected watcher stats")
	}
	if status.RuntimeConfig == nil {
		t.Fatal("expected runtime snapshot")
	}
	if status.RuntimeConfig.Mode != "honeypot" || status.RuntimeConfig.LogLevel != "warn" {
		t.Errorf("runtime snapshot = %+v", status.RuntimeConfig)
	}
}
