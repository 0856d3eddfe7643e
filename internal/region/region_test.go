package region

import (
	"net/http/httptest"
	"testing"
)

// ---------- Distance tests ----------

func TestDistance_Identity(t *testing.T) {
	for _, r := range append(All(), Any) {
		if d := Distance(r, r); d != 0 {
			t.Errorf("Distance(%s, %s) = %d, want 0", r, r, d)
		}
	}
}

func TestDistance_Any(t *testing.T) {
	for _, r := range All() {
		if d := Distance(r, Any); d != 5 {
			t.Errorf("Distance(%s, any) = %d, want 5", r, d)
		}
		if d := Distance(Any, r); d != 5 {
			t.Errorf("Distance(any, %s) = %d, want 5", r, d)
		}
	}
}

func TestDistance_Symmetric(t *testing.T) {
	for _, a := range All() {
		for _, b := range All() {
			if Distance(a, b) != Distance(b, a) {
				t.Errorf("Distance(%s, %s) = %d but Distance(%s, %s) = %d",
					a, b, Distance(a, b), b, a, Distance(b, a))
			}
		}
	}
}

func TestDistance_TableValues(t *testing.T) {
	tests := []struct {
		a, b Region
		want int
	}{
		{NorthAmerica, SouthAmerica, 3},
		{Europe, Africa, 3},
		{Europe, Asia, 4},
		{Asia, Oceania, 4},
		{SouthAmerica, Oceania, 10},
		{Oceania, NorthAmerica, 9},
	}
	for _, tt := range tests {
		if got := Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDistance_UnknownTreatedAsAny(t *testing.T) {
	if d := Distance("atlantis", Europe); d != 5 {
		t.Errorf("unknown region distance = %d, want 5", d)
	}
}

func TestValid(t *testing.T) {
	if !Valid(Any) || !Valid(Europe) {
		t.Error("expected any and europe to be valid")
	}
	if Valid("mars") || Valid("") {
		t.Error("expected mars and empty to be invalid")
	}
}

// ---------- Detector tests ----------

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	if ip := ClientIP(r); ip != "203.0.113.9" {
		t.Errorf("remote addr ip = %q", ip)
	}

	r.Header.Set("X-Real-IP", "198.51.100.2")
	if ip := ClientIP(r); ip != "198.51.100.2" {
		t.Errorf("x-real-ip = %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	if ip := ClientIP(r); ip != "192.0.2.1" {
		t.Errorf("x-forwarded-for = %q", ip)
	}
}

func TestHeaderDetector(t *testing.T) {
	d := NewHeaderDetector("")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	r.Header.Set(DefaultCountryHeader, "de")
	if got := d.DetectRegion(r); got != Europe {
		t.Errorf("DE = %s, want europe", got)
	}

	r.Header.Set(DefaultCountryHeader, "ZZ")
	if got := d.DetectRegion(r); got != Any {
		t.Errorf("unknown country = %s, want any", got)
	}

	local := httptest.NewRequest("GET", "/ws", nil)
	local.RemoteAddr = "127.0.0.1:4000"
	local.Header.Set(DefaultCountryHeader, "JP")
	if got := d.DetectRegion(local); got != Any {
		t.Errorf("loopback = %s, want any", got)
	}

	override := httptest.NewRequest("GET", "/ws?region=oceania", nil)
	override.RemoteAddr = "127.0.0.1:4000"
	if got := d.DetectRegion(override); got != Oceania {
		t.Errorf("query override = %s, want oceania", got)
	}
}

func TestICEServers(t *testing.T) {
	servers := ICEServers(Europe)
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[1].URLs[0] != "stun:stun2.l.google.com:19302" {
		t.Errorf("europe secondary = %v", servers[1].URLs)
	}
	if len(ICEServers("nowhere")) != 2 {
		t.Error("unknown region should fall back to the any list")
	}
}
