package cookiejar_test

import (
	"testing"
	"time"

	"github.com/crawlee-go/crawlee/cookiejar"
)

func TestSetAndGet(t *testing.T) {
	j := cookiejar.New()
	j.Set(cookiejar.Cookie{Name: "sid", Value: "abc", Domain: "example.com"})
	got := j.Get("example.com")
	if len(got) != 1 || got[0].Value != "abc" {
		t.Fatalf("Get() = %+v, want one cookie with value abc", got)
	}
}

func TestExpiredCookiesAreExcluded(t *testing.T) {
	j := cookiejar.New()
	past := time.Now().Add(-time.Hour)
	j.Set(cookiejar.Cookie{Name: "sid", Value: "abc", Domain: "example.com", Expires: &past})
	if got := j.Get("example.com"); len(got) != 0 {
		t.Fatalf("expected expired cookie to be excluded, got %+v", got)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	j := cookiejar.New()
	j.SetAll([]cookiejar.Cookie{
		{Name: "a", Value: "1", Domain: "x.com"},
		{Name: "b", Value: "2", Domain: "y.com"},
	})
	snapshot := j.Serialize()

	j2 := cookiejar.New()
	j2.Deserialize(snapshot)
	if len(j2.All()) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(j2.All()))
	}
}

func TestHTTPCookieBridge(t *testing.T) {
	cs := []cookiejar.Cookie{{Name: "a", Value: "1", Domain: "x.com", Secure: true}}
	httpCookies := cookiejar.ToHTTPCookies(cs)
	if len(httpCookies) != 1 || httpCookies[0].Name != "a" || !httpCookies[0].Secure {
		t.Fatalf("ToHTTPCookies() = %+v", httpCookies)
	}

	back := cookiejar.FromHTTPCookies("x.com", httpCookies)
	if len(back) != 1 || back[0].Domain != "x.com" {
		t.Fatalf("FromHTTPCookies() = %+v", back)
	}
}
