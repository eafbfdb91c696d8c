package gateway

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

func connAt(peer string, at time.Time) *Conn {
	c := newConn(peer, nil)
	c.ConnectTime = at
	return c
}

func TestConnTableAdmission(t *testing.T) {
	base := time.Now()

	tests := []struct {
		name        string
		exceed      model.ExceedMode
		wantErr     error
		wantEvicted string
		wantSlot    int
	}{
		{name: "keep rejects", exceed: model.ExceedModeKeep, wantErr: ErrTableFull, wantSlot: -1},
		{name: "kick evicts oldest", exceed: model.ExceedModeKick, wantEvicted: "b", wantSlot: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewConnTable(3, tt.exceed)
			// connect times deliberately out of slot order
			for _, c := range []*Conn{
				connAt("a", base.Add(2*time.Second)),
				connAt("b", base),
				connAt("c", base.Add(time.Second)),
			} {
				if ev, err := table.Admit(c); err != nil || ev != nil {
					t.Fatalf("Admit(%s) = %v, %v", c.Peer(), ev, err)
				}
			}

			extra := connAt("d", base.Add(3*time.Second))
			evicted, err := table.Admit(extra)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantEvicted == "" {
				if evicted != nil {
					t.Fatalf("evicted %s, want none", evicted.Peer())
				}
			} else if evicted == nil || evicted.Peer() != tt.wantEvicted {
				t.Fatalf("evicted = %v, want %s", evicted, tt.wantEvicted)
			}
			if extra.Slot != tt.wantSlot {
				t.Errorf("slot = %d, want %d", extra.Slot, tt.wantSlot)
			}
			if table.Len() != 3 {
				t.Errorf("Len = %d, want 3", table.Len())
			}
		})
	}
}

func TestConnTableRemoveReusesSlot(t *testing.T) {
	table := NewConnTable(2, model.ExceedModeKeep)
	a, b := newConn("a", nil), newConn("b", nil)
	table.Admit(a)
	table.Admit(b)

	if !table.Remove(a) {
		t.Fatal("Remove(a) = false")
	}
	if table.Remove(a) {
		t.Fatal("second Remove(a) = true")
	}
	if table.Contains(a) {
		t.Fatal("table still contains a")
	}

	c := newConn("c", nil)
	if _, err := table.Admit(c); err != nil {
		t.Fatalf("Admit(c): %v", err)
	}
	if c.Slot != 0 {
		t.Errorf("slot = %d, want 0", c.Slot)
	}

	list := table.List()
	if len(list) != 2 || list[0].Peer != "c" || list[1].Peer != "b" {
		t.Errorf("List = %+v", list)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	closed := 0
	c := newConn("peer", func() error { closed++; return nil })
	if !c.Send([]byte{1}) {
		t.Fatal("Send on open conn failed")
	}
	c.Close()
	c.Close()
	if closed != 1 {
		t.Errorf("closer called %d times", closed)
	}
	if c.Send([]byte{2}) {
		t.Error("Send on closed conn succeeded")
	}
}

func TestConnSendQueueFull(t *testing.T) {
	c := newConn("peer", nil)
	for i := 0; i < sendQueueSize; i++ {
		if !c.Send([]byte{byte(i)}) {
			t.Fatalf("Send %d failed", i)
		}
	}
	if c.Send([]byte{0}) {
		t.Error("Send beyond queue size succeeded")
	}
}

func TestPayloadBytes(t *testing.T) {
	id := model.Identity{IMEI: "860000000000001", SN: "SN-42", ICCID: "8986", MAC: "00:11:22:33:44:55"}

	tests := []struct {
		name    string
		kind    model.PayloadType
		custom  string
		want    []byte
		wantErr bool
	}{
		{name: "none", kind: model.PayloadNone},
		{name: "ascii", kind: model.PayloadASCII, custom: "hello", want: []byte("hello")},
		{name: "hex", kind: model.PayloadHex, custom: "AA 55 0d", want: []byte{0xAA, 0x55, 0x0D}},
		{name: "bad hex", kind: model.PayloadHex, custom: "ZZ", wantErr: true},
		{name: "odd hex", kind: model.PayloadHex, custom: "ABC", wantErr: true},
		{name: "imei", kind: model.PayloadIMEI, want: []byte(id.IMEI)},
		{name: "sn", kind: model.PayloadSN, want: []byte("SN-42")},
		{name: "iccid", kind: model.PayloadICCID, want: []byte("8986")},
		{name: "mac", kind: model.PayloadMAC, want: []byte(id.MAC)},
		{name: "empty ascii", kind: model.PayloadASCII, wantErr: true},
		{name: "unknown", kind: "morse", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := payloadBytes(tt.kind, tt.custom, id)
			if tt.wantErr {
				if !errors.Is(err, modbus.ErrInvalid) {
					t.Fatalf("err = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}
}

func TestBuildPayloadsFailsOnBadHex(t *testing.T) {
	cfg := model.SocketConfig{
		HeartbeatType:     model.PayloadHex,
		HeartbeatInterval: 10,
		HeartbeatPayload:  "not hex",
	}
	if _, err := buildPayloads(cfg, model.Identity{}); err == nil {
		t.Fatal("expected error for bad heartbeat hex")
	}
}
