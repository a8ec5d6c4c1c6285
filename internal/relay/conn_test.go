package relay

import "testing"

func TestTrySendBackpressure(t *testing.T) {
	c := newWSConn(nil)

	for i := 0; i < cap(c.send); i++ {
		if err := c.TrySend([]byte("x")); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if err := c.TrySend([]byte("overflow")); err != ErrBackpressure {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}

	// Draining one slot makes room again.
	<-c.send
	if err := c.TrySend([]byte("x")); err != nil {
		t.Errorf("send after drain failed: %v", err)
	}
}
