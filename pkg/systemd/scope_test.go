package systemd

import (
	"context"
	"errors"
	"testing"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	result   string
	startErr error
	group    interface{}

	name   string
	props  []dbus.Property
	closed bool
}

func (f *fakeConn) StartTransientUnitContext(ctx context.Context, name, mode string, properties []dbus.Property, ch chan<- string) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.name, f.props = name, properties
	if f.result != "" {
		ch <- f.result
	}
	return 7, nil
}

func (f *fakeConn) GetUnitTypePropertyContext(ctx context.Context, unit, unitType, propertyName string) (*dbus.Property, error) {
	return &dbus.Property{Name: propertyName, Value: godbus.MakeVariant(f.group)}, nil
}

func (f *fakeConn) Close() {
	f.closed = true
}

func TestStart(t *testing.T) {
	f := &fakeConn{result: "done", group: "/workload.slice/cgweight.scope"}
	s, err := start(context.Background(), f, Options{Name: "cgweight", Slice: "workload.slice", PID: 42})
	require.NoError(t, err)
	assert.Equal(t, "cgweight.scope", s.Name)
	assert.Equal(t, "cgweight.scope", f.name)
	assert.Equal(t, "workload.slice/cgweight.scope", s.Group.Path())
	s.Close()
	assert.True(t, f.closed)
}

func TestStartFailed(t *testing.T) {
	_, err := start(context.Background(), &fakeConn{result: "failed", group: "/x"}, Options{Name: "a"})
	assert.ErrorContains(t, err, "result is failed")

	boom := errors.New("access denied")
	_, err = start(context.Background(), &fakeConn{startErr: boom}, Options{Name: "a"})
	assert.ErrorIs(t, err, boom)

	_, err = start(context.Background(), &fakeConn{result: "done", group: uint32(1)}, Options{Name: "a"})
	assert.ErrorContains(t, err, "unexpected ControlGroup")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = start(ctx, &fakeConn{group: "/x"}, Options{Name: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProperties(t *testing.T) {
	props := Properties(Options{PID: 42, Slice: "workload.slice", Description: "cgweight"})
	byName := make(map[string]interface{})
	for _, p := range props {
		byName[p.Name] = p.Value.Value()
	}
	assert.Equal(t, []uint32{42}, byName["PIDs"])
	assert.Equal(t, true, byName["Delegate"])
	assert.Equal(t, true, byName["CPUAccounting"])
	assert.Equal(t, "workload.slice", byName["Slice"])
	assert.Equal(t, "cgweight", byName["Description"])

	assert.Len(t, Properties(Options{PID: 1}), 3)
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "a.scope", UnitName("a"))
	assert.Equal(t, "a.scope", UnitName("a.scope"))
}
