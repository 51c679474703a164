package config

import "testing"

// TestLegacyConvertE6 is test scenario E6 from spec §8.
func TestLegacyConvertE6(t *testing.T) {
	l := Legacy{
		ListenAddrs: []string{"127.0.0.1"},
		ListenPorts: []string{"10000-10001"},
		RemoteAddrs: []string{"1.1.1.1", "2.2.2.2"},
		RemotePorts: []string{"80"},
	}

	eps, err := l.Convert()
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].Listen != "127.0.0.1:10000" || eps[0].Remote != "1.1.1.1:80" {
		t.Errorf("endpoint 0 = %+v", eps[0])
	}
	if eps[1].Listen != "127.0.0.1:10001" || eps[1].Remote != "2.2.2.2:80" {
		t.Errorf("endpoint 1 = %+v", eps[1])
	}
}

func TestIsLegacyDetection(t *testing.T) {
	legacyJSON := []byte(`{"listen_addrs":["127.0.0.1"],"listen_ports":["10000"]}`)
	modernTOML := []byte("[[endpoints]]\nlisten = \"127.0.0.1:10000\"\n")

	if !IsLegacy(legacyJSON) {
		t.Error("legacy JSON not detected as legacy")
	}
	if IsLegacy(modernTOML) {
		t.Error("modern TOML misdetected as legacy")
	}
}
