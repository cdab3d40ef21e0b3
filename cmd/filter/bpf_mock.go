package main

// This file is a placeholder for the auto-generated code from bpf2go.
// In a real build, 'go generate' would produce this file.
// We include it here so the 'main.go' compiles via static analysis mock.

import (
	"github.com/cilium/ebpf"
)

type admissionObjects struct {
	admissionPrograms
	admissionMaps
}

func (o *admissionObjects) Close() error {
	return nil // Mock
}

type admissionPrograms struct {
	XdpAdmission *ebpf.Program `ebpf:"xdp_admission"`
}

type admissionMaps struct {
	AllowedNets  *ebpf.Map `ebpf:"allowed_nets"`  // LPM trie: prefix -> port (0 = any)
	AllowedPorts *ebpf.Map `ebpf:"allowed_ports"` // destination ports open to matching clients
	DropCounters *ebpf.Map `ebpf:"drop_counters"` // per-CPU: index by dropReason
	DropEvents   *ebpf.Map `ebpf:"drop_events"`   // ring buffer of sampled drops
}

func loadAdmissionObjects(_ interface{}, _ *ebpf.CollectionOptions) error {
	// Mock successful load
	return nil
}
