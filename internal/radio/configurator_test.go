package radio_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/radio"
	"github.com/chaz8081/heystack-tag/internal/radio/sim"
)

func nonConnConfig(addr beacon.Address) radio.AdvConfig {
	p := beacon.NewPayload()
	return radio.AdvConfig{
		Address: &addr,
		Params:  radio.AdvParams{Type: radio.AdvNonConnectable},
		Data:    p.Bytes(),
	}
}

func TestApplyOrdering(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, []int8{4})

	if err := c.Apply(nonConnConfig(beacon.Address{1, 2, 3, 4, 5, 0xC6})); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	// Nothing was configured yet, so there is no stop.
	want := []string{"SetAddress", "ConfigureAdvertising", "StartAdvertising", "SetTxPower"}
	if got := stack.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("first Apply() ops = %v, want %v", got, want)
	}

	stack.ResetCalls()
	if err := c.Apply(nonConnConfig(beacon.Address{9, 9, 9, 9, 9, 0xC9})); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	want = []string{"StopAdvertising", "SetAddress", "ConfigureAdvertising", "StartAdvertising", "SetTxPower"}
	if got := stack.Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("second Apply() ops = %v, want %v", got, want)
	}

	st := stack.State()
	if !st.Advertising {
		t.Error("stack should be advertising")
	}
	if st.Address != (beacon.Address{9, 9, 9, 9, 9, 0xC9}) {
		t.Errorf("address = %s, want C9:09:09:09:09:09", st.Address)
	}
}

func TestApplyWithoutAddressKeepsCurrent(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, nil)
	err := c.Apply(radio.AdvConfig{
		Params: radio.AdvParams{Type: radio.AdvConnectable},
		Data:   radio.DiscoverableData("HeyStack-Config"),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, op := range stack.Ops() {
		if op == "SetAddress" {
			t.Error("Apply() without address should not call SetAddress")
		}
	}
}

func TestStopToleratesAlreadyStopped(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, nil)
	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v, want nil for already stopped", err)
	}
	calls := stack.Calls()
	last := calls[len(calls)-1]
	if last.Op != "StopAdvertising" || !errors.Is(last.Err, radio.ErrInvalidState) {
		t.Errorf("last call = %+v, want StopAdvertising with ErrInvalidState", last)
	}
}

func TestStopBeforeConfigureIsNoop(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, nil)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(stack.Ops()) != 0 {
		t.Errorf("Stop() before configure issued %v", stack.Ops())
	}
}

func TestStopOtherFailureIsFatal(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, nil)
	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	boom := errors.New("internal")
	stack.FailNext("StopAdvertising", boom)
	err := c.Apply(nonConnConfig(beacon.Address{}))
	if !errors.Is(err, boom) {
		t.Fatalf("Apply() error = %v, want %v", err, boom)
	}
}

func TestApplyPropagatesFailures(t *testing.T) {
	for _, op := range []string{"SetAddress", "ConfigureAdvertising", "StartAdvertising"} {
		t.Run(op, func(t *testing.T) {
			stack := sim.New(8)
			c := radio.NewConfigurator(stack, nil)
			boom := errors.New(op + " failed")
			stack.FailNext(op, boom)
			if err := c.Apply(nonConnConfig(beacon.Address{})); !errors.Is(err, boom) {
				t.Errorf("Apply() error = %v, want %v", err, boom)
			}
		})
	}
}

func TestTxPowerNegotiatesDescending(t *testing.T) {
	stack := sim.New(8)
	stack.SetMaxTxPower(5)
	c := radio.NewConfigurator(stack, nil)

	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	var tried []string
	for _, call := range stack.Calls() {
		if call.Op == "SetTxPower" {
			tried = append(tried, call.Arg)
		}
	}
	want := []string{"8", "7", "6", "5"}
	if !reflect.DeepEqual(tried, want) {
		t.Errorf("tried = %v, want %v", tried, want)
	}
	if p, ok := c.TxPower(); !ok || p != 5 {
		t.Errorf("TxPower() = %d, %v, want 5, true", p, ok)
	}
	if stack.State().TxPower != 5 {
		t.Errorf("stack tx power = %d, want 5", stack.State().TxPower)
	}
}

func TestTxPowerCachedAfterNegotiation(t *testing.T) {
	stack := sim.New(8)
	stack.SetMaxTxPower(4)
	c := radio.NewConfigurator(stack, nil)
	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	stack.ResetCalls()
	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	var tried []string
	for _, call := range stack.Calls() {
		if call.Op == "SetTxPower" {
			tried = append(tried, call.Arg)
		}
	}
	if !reflect.DeepEqual(tried, []string{"4"}) {
		t.Errorf("second Apply() tried %v, want [4]", tried)
	}
}

func TestTxPowerCachedFailureIsFatal(t *testing.T) {
	stack := sim.New(8)
	c := radio.NewConfigurator(stack, []int8{4})
	if err := c.Apply(nonConnConfig(beacon.Address{})); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	stack.FailNext("SetTxPower", sim.ErrInvalidParam)
	if err := c.Apply(nonConnConfig(beacon.Address{})); !errors.Is(err, sim.ErrInvalidParam) {
		t.Errorf("Apply() error = %v, want %v", err, sim.ErrInvalidParam)
	}
}

func TestTxPowerExhausted(t *testing.T) {
	stack := sim.New(8)
	stack.SetMaxTxPower(0)
	c := radio.NewConfigurator(stack, []int8{8, 4})
	err := c.Apply(nonConnConfig(beacon.Address{}))
	if !errors.Is(err, radio.ErrTxPowerExhausted) {
		t.Fatalf("Apply() error = %v, want ErrTxPowerExhausted", err)
	}
	if _, ok := c.TxPower(); ok {
		t.Error("TxPower() should not be set after exhaustion")
	}
}

func TestDiscoverableData(t *testing.T) {
	got := radio.DiscoverableData("HeyStack-Config")
	want := append([]byte{0x02, 0x01, 0x06, 0x10, 0x09}, "HeyStack-Config"...)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverableData() = % x, want % x", got, want)
	}
}

func TestNameDataShortens(t *testing.T) {
	name := "a-very-long-device-name-that-does-not-fit"
	got := radio.NameData(name, 3)
	if len(got) != 31-3 {
		t.Fatalf("len(NameData()) = %d, want %d", len(got), 31-3)
	}
	if got[1] != 0x08 {
		t.Errorf("AD type = 0x%02x, want shortened name 0x08", got[1])
	}
	if int(got[0]) != len(got)-1 {
		t.Errorf("AD length = %d, want %d", got[0], len(got)-1)
	}
}
