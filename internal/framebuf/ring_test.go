package framebuf

import "testing"

func TestRing_PublishSwapsCurrent(t *testing.T) {
	r := NewRing(2, 32)

	if r.Current() == r.Back() {
		t.Fatal("two-slot ring has current == back")
	}

	back := r.Back()
	lease, ok := back.TryAcquire("capture")
	if !ok {
		t.Fatal("acquire back")
	}
	if err := r.Publish(lease, 10, 100); err != nil {
		t.Fatal(err)
	}
	if r.Current() != back {
		t.Fatal("publish did not make back current")
	}
	if r.Newest() != 100 {
		t.Fatalf("Newest() = %d, want 100", r.Newest())
	}

	next := r.Back()
	if next == back {
		t.Fatal("back did not rotate after publish")
	}
	lease, _ = next.TryAcquire("capture")
	r.Publish(lease, 12, 200)

	if r.Find(100) != back {
		t.Error("Find(100) should locate the older slot")
	}
	if r.Find(200) != next {
		t.Error("Find(200) should locate the newer slot")
	}
	if r.Find(300) != nil {
		t.Error("Find of an absent timestamp should be nil")
	}
	if r.Find(0) != nil {
		t.Error("Find(0) should be nil")
	}
}

func TestRing_SingleSlot(t *testing.T) {
	r := NewRing(1, 8)
	if r.Current() != r.Back() {
		t.Fatal("single-slot ring should share current and back")
	}
	lease, _ := r.Back().TryAcquire("capture")
	r.Publish(lease, 4, 5)
	if r.Newest() != 5 {
		t.Fatalf("Newest() = %d", r.Newest())
	}
}

func TestRing_WantSignal(t *testing.T) {
	r := NewRing(2, 8)
	if r.TakeWant() {
		t.Fatal("fresh ring reports want")
	}
	r.Want()
	if !r.TakeWant() {
		t.Fatal("want not reported")
	}
	if r.TakeWant() {
		t.Fatal("want not cleared")
	}
}
