package delivery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestResolveMXsOrdering(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.com.": {MX: []net.MX{
			{Host: "backup.example.com.", Pref: 20},
			{Host: "m1.example.com.", Pref: 10},
			{Host: "m2.example.com.", Pref: 10},
		}},
	}}

	hosts, err := resolveMXs(context.Background(), r, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 3 {
		t.Fatalf("hosts = %v, want 3", hosts)
	}
	// Lowest preference first, backup last; equal preferences in either order
	if hosts[0] != "m1.example.com" && hosts[0] != "m2.example.com" {
		t.Errorf("hosts[0] = %q, want a preference-10 host", hosts[0])
	}
	if hosts[2] != "backup.example.com" {
		t.Errorf("hosts[2] = %q, want backup.example.com", hosts[2])
	}
}

func TestResolveMXsCapped(t *testing.T) {
	zone := mockdns.Zone{}
	for i := 0; i < 8; i++ {
		zone.MX = append(zone.MX, net.MX{Host: "mx.example.com.", Pref: 10})
	}
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{"example.com.": zone}}

	hosts, err := resolveMXs(context.Background(), r, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != maxMXHosts {
		t.Errorf("len(hosts) = %d, want %d", len(hosts), maxMXHosts)
	}
}

func TestResolveMXsFallbackToA(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.com.": {A: []string{"192.0.2.10"}},
	}}

	hosts, err := resolveMXs(context.Background(), r, "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 || hosts[0] != "example.com" {
		t.Errorf("hosts = %v, want [example.com]", hosts)
	}

	// Fallback disabled: the same domain has no usable hosts
	if _, err := resolveMXs(context.Background(), r, "example.com", false); !errors.Is(err, errNoMX) {
		t.Errorf("fallback disabled: %v, want errNoMX", err)
	}
}

func TestResolveMXsNoRecords(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}

	_, err := resolveMXs(context.Background(), r, "nowhere.invalid", true)
	if !errors.Is(err, errNoMX) {
		t.Errorf("missing domain: %v, want errNoMX", err)
	}
}
