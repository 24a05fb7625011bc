// Package fakes provides test doubles for the camcreds cloud, prober and
// vault interfaces and for the SDK clients behind the vault backends.
//
// Fakes are manually implemented (not generated) and keep their state in
// memory so tests control every response.
//
// Usage:
//
//	cloudFake := fakes.NewFakeCloud().
//	    WithAccount("user@example.com", "hunter2").
//	    WithSecret("C123", device.VerificationCode, "ABCDEF")
//	machine := auth.NewMachine(cloudFake, store.NewMemoryStore(), auth.DefaultPolicy())
package fakes
