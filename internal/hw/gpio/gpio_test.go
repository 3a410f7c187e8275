package gpio

import (
	"sync"
	"testing"
)

func TestNewDriver_Mock(t *testing.T) {
	for _, backend := range []string{"", BackendMock} {
		drv, err := NewDriver(backend, "")
		if err != nil {
			t.Fatalf("NewDriver(%q): %v", backend, err)
		}
		if _, ok := drv.(*MockDriver); !ok {
			t.Errorf("NewDriver(%q) = %T, want *MockDriver", backend, drv)
		}
	}
}

func TestNewDriver_UnknownBackend(t *testing.T) {
	if _, err := NewDriver("parallel-port", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestMockDriver_WriteAndRead(t *testing.T) {
	m := NewMockDriver()

	if err := m.WritePin(6, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	if got := m.Output(6); got != High {
		t.Errorf("Output(6) = %v, want HIGH", got)
	}
	if got := m.Output(19); got != Low {
		t.Errorf("unwritten pin = %v, want LOW", got)
	}

	level, err := m.ReadPin(5)
	if err != nil || level != Low {
		t.Errorf("ReadPin default = %v, %v; want LOW, nil", level, err)
	}
	m.SetInput(5, High)
	level, _ = m.ReadPin(5)
	if level != High {
		t.Errorf("ReadPin after SetInput = %v, want HIGH", level)
	}
}

func TestMockDriver_ConcurrentWrites(t *testing.T) {
	m := NewMockDriver()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = m.WritePin(pin, Level(i%2 == 0))
			}
		}(g)
	}
	wg.Wait()
	if got := m.Writes(); got != 400 {
		t.Errorf("Writes() = %d, want 400", got)
	}
}

func TestLevel_String(t *testing.T) {
	if High.String() != "HIGH" || Low.String() != "LOW" {
		t.Errorf("unexpected level strings %q %q", High, Low)
	}
}
