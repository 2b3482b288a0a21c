package watch

import "testing"

func TestChannelName(t *testing.T) {
	if got := ChannelName("42"); got != "rescuebag:order:42" {
		t.Fatalf("unexpected channel name %q", got)
	}
}
