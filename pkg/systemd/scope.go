// Package systemd obtains a delegated cgroup from systemd by moving the
// process into a transient scope with Delegate=yes.
package systemd

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/criyle/cgweight/pkg/cgroup"
)

const (
	scopeSuffix = ".scope"
	jobDone     = "done"
)

// Options describes the transient scope
type Options struct {
	// Name of the unit, ".scope" is appended when missing
	Name string
	// Slice the scope is placed in, empty for the manager default
	Slice string
	// PID moved into the scope
	PID int
	// User talks to the per-user manager instead of the system one
	User bool
	// Description of the unit
	Description string
}

// Scope is a started transient scope
type Scope struct {
	Name  string
	Group cgroup.Node

	conn connection
}

// connection is the part of *dbus.Conn used here
type connection interface {
	StartTransientUnitContext(ctx context.Context, name, mode string, properties []dbus.Property, ch chan<- string) (int, error)
	GetUnitTypePropertyContext(ctx context.Context, unit, unitType, propertyName string) (*dbus.Property, error)
	Close()
}

// Start connects to systemd and starts the scope holding opt.PID. The
// scope is removed by systemd once it has no process left.
func Start(ctx context.Context, opt Options, log logrus.FieldLogger) (*Scope, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if opt.User {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewWithContext(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	s, err := start(ctx, conn, opt)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithField("group", s.Group.Group()).Infof("started %s", s.Name)
	return s, nil
}

func start(ctx context.Context, conn connection, opt Options) (*Scope, error) {
	name := UnitName(opt.Name)
	ch := make(chan string, 1)
	id, err := conn.StartTransientUnitContext(ctx, name, "replace", Properties(opt), ch)
	if err != nil {
		return nil, errors.Wrapf(err, "start %s", name)
	}
	select {
	case job := <-ch:
		if job != jobDone {
			return nil, errors.Errorf("start %s: job (id: %d) result is %s", name, id, job)
		}
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "start %s", name)
	}

	p, err := conn.GetUnitTypePropertyContext(ctx, name, "Scope", "ControlGroup")
	if err != nil {
		return nil, errors.Wrapf(err, "control group of %s", name)
	}
	n, err := controlGroup(p.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "control group of %s", name)
	}
	return &Scope{Name: name, Group: n, conn: conn}, nil
}

// Close closes the bus connection, the scope stays
func (s *Scope) Close() {
	s.conn.Close()
}

// UnitName appends the scope suffix when missing
func UnitName(name string) string {
	if strings.HasSuffix(name, scopeSuffix) {
		return name
	}
	return name + scopeSuffix
}

// Properties returns the unit properties of the scope: the pid, the slice,
// cpu accounting and delegation
func Properties(opt Options) []dbus.Property {
	props := []dbus.Property{
		dbus.PropPids(uint32(opt.PID)),
		{
			Name:  "CPUAccounting",
			Value: godbus.MakeVariant(true),
		},
		{
			Name:  "Delegate",
			Value: godbus.MakeVariant(true),
		},
	}
	if opt.Slice != "" {
		props = append(props, dbus.PropSlice(opt.Slice))
	}
	if opt.Description != "" {
		props = append(props, dbus.PropDescription(opt.Description))
	}
	return props
}

func controlGroup(v godbus.Variant) (cgroup.Node, error) {
	g, ok := v.Value().(string)
	if !ok || g == "" {
		return cgroup.Node{}, errors.Errorf("unexpected ControlGroup %v", v)
	}
	return cgroup.NodeFromGroup(g)
}
