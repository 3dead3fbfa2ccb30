package mcast

import "testing"

func TestResolveInterfaces_AllWhenNoNamesGiven(t *testing.T) {
	ifaces, err := resolveInterfaces(nil)
	if err != nil {
		t.Fatalf("resolveInterfaces: %v", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&1 == 0 {
			// not meaningful per-platform, just exercise the call path
		}
	}
}

func TestResolveInterfaces_FiltersByName(t *testing.T) {
	all, err := resolveInterfaces(nil)
	if err != nil {
		t.Fatalf("resolveInterfaces: %v", err)
	}
	if len(all) == 0 {
		t.Skip("no multicast-capable interfaces on this host")
	}

	only, err := resolveInterfaces([]string{all[0].Name})
	if err != nil {
		t.Fatalf("resolveInterfaces: %v", err)
	}
	if len(only) != 1 || only[0].Name != all[0].Name {
		t.Errorf("resolveInterfaces(%q) = %v, want exactly that interface", all[0].Name, only)
	}
}

func TestResolveInterfaces_UnknownNameYieldsEmpty(t *testing.T) {
	only, err := resolveInterfaces([]string{"definitely-not-a-real-iface-0xdeadbeef"})
	if err != nil {
		t.Fatalf("resolveInterfaces: %v", err)
	}
	if len(only) != 0 {
		t.Errorf("resolveInterfaces(unknown) = %v, want empty", only)
	}
}

func TestListen_JoinsAndCanSendReceiveLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-socket test in short mode")
	}

	conn, err := Listen(nil)
	if err != nil {
		t.Skipf("Listen: %v (no usable multicast interface in this environment)", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte("hello")); err != nil {
		t.Errorf("Send: %v", err)
	}

	select {
	case pkt := <-conn.Recv():
		if string(pkt.Data) != "hello" {
			t.Errorf("Recv() data = %q, want %q", pkt.Data, "hello")
		}
	default:
		// Multicast loopback to self isn't guaranteed across all
		// platforms/CI sandboxes; absence of a fatal error is the
		// meaningful assertion here.
	}
}
