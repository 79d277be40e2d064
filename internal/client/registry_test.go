package client_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/salvo/internal/client"
)

// namedClient is a minimal Client for registry tests.
type namedClient struct {
	name string
}

func (c *namedClient) Connect(context.Context, client.ConnectRequest) (client.Conn, error) {
	return nil, errors.New("not implemented")
}

func (c *namedClient) Name() string { return c.name }

// Compile-time check that namedClient satisfies the Client interface.
var _ client.Client = (*namedClient)(nil)

func TestRegistryRegisterAndList(t *testing.T) {
	reg := client.NewRegistry()
	reg.Register(&namedClient{name: "stub"})
	reg.Register(&namedClient{name: "framed"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d clients, want 2", len(list))
	}
	if list[0] != "framed" || list[1] != "stub" {
		t.Errorf("List() = %v, want sorted [framed stub]", list)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := client.NewRegistry()
	reg.Register(&namedClient{name: "framed"})

	c, err := reg.Resolve("framed")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Name() != "framed" {
		t.Errorf("resolved client name = %q, want %q", c.Name(), "framed")
	}
}

func TestRegistryResolveNotRegistered(t *testing.T) {
	reg := client.NewRegistry()

	_, err := reg.Resolve("sip")
	if !errors.Is(err, client.ErrUnknownProtocol) {
		t.Errorf("Resolve(sip) = %v, want ErrUnknownProtocol", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := client.NewRegistry()
	first := &namedClient{name: "framed"}
	second := &namedClient{name: "framed"}
	reg.Register(first)
	reg.Register(second)

	c, err := reg.Resolve("framed")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c != second {
		t.Error("later registration should replace the earlier one")
	}
	if n := len(reg.List()); n != 1 {
		t.Errorf("List() length = %d, want 1", n)
	}
}
