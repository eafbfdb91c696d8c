package model

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
)

func TestNodeReadingLifecycle(t *testing.T) {
	n := &Node{Name: "temp", DataType: modbus.TypeInt16}

	r := n.Reading()
	if r.Status != ReadStatusPending || r.OK {
		t.Fatalf("fresh node reading = %+v", r)
	}

	now := time.Now()
	r = n.SetValue(modbus.IntValue(modbus.TypeInt16, 42), now)
	if !r.OK || r.Status != ReadStatusSuccess || r.Value.Int() != 42 {
		t.Fatalf("after SetValue: %+v", r)
	}
	if r.Previous.Int() != 0 {
		t.Fatalf("previous should stay at zero until committed, got %d", r.Previous.Int())
	}

	n.CommitPrevious()
	r = n.SetValue(modbus.IntValue(modbus.TypeInt16, 43), now)
	if r.Previous.Int() != 42 {
		t.Fatalf("previous = %d, want 42", r.Previous.Int())
	}

	r = n.SetFailed(ReadStatusTimeout, errors.New("no reply"), now)
	if r.OK || r.Status != ReadStatusTimeout || r.Err != "no reply" {
		t.Fatalf("after SetFailed: %+v", r)
	}
	if r.Value.Int() != 43 {
		t.Fatalf("failed read must keep the last value, got %d", r.Value.Int())
	}
}

func TestReadingChanged(t *testing.T) {
	r := Reading{
		Value:    modbus.FloatValue(modbus.TypeFloat64, 10.5),
		Previous: modbus.FloatValue(modbus.TypeFloat64, 10.0),
	}
	tests := []struct {
		name string
		rng  decimal.Decimal
		want bool
	}{
		{"zero range any change", decimal.Zero, true},
		{"below range", decimal.NewFromFloat(1), false},
		{"at range", decimal.NewFromFloat(0.5), true},
		{"negative range uses magnitude", decimal.NewFromFloat(-0.25), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Changed(tt.rng); got != tt.want {
				t.Fatalf("Changed(%s) = %v, want %v", tt.rng, got, tt.want)
			}
		})
	}

	same := Reading{Value: modbus.BoolValue(true), Previous: modbus.BoolValue(true)}
	if same.Changed(decimal.Zero) {
		t.Fatal("equal values reported as changed")
	}
}

func TestConcurrentReaders(t *testing.T) {
	n := &Node{Name: "n", DataType: modbus.TypeUint32ABCD}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r := n.Reading()
					if r.Status == ReadStatusSuccess && !r.OK {
						t.Error("torn reading observed")
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		n.SetValue(modbus.UintValue(modbus.TypeUint32ABCD, uint64(i)), time.Now())
		n.CommitPrevious()
	}
	close(stop)
	wg.Wait()
}

func TestSocketConfigValidate(t *testing.T) {
	valid := SocketConfig{
		SocketMode:  SocketModeTCPServer,
		WorkingMode: WorkingModeModbus,
		ExceedMode:  ExceedModeKick,
		LocalPort:   502,
		MaxSockets:  4,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	client := valid
	client.SocketMode = SocketModeTCPClient
	if err := client.Validate(); err == nil {
		t.Fatal("client without remote host accepted")
	}
	full := valid
	full.MaxSockets = 0
	if err := full.Validate(); err == nil {
		t.Fatal("zero max sockets accepted")
	}
}
