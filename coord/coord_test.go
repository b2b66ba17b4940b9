package coord

import (
	"errors"
	"testing"
)

func TestGeometry(t *testing.T) {
	cases := []struct {
		size          uint32
		coordBits     uint32
		offset        uint32
		wantErr       bool
	}{
		{size: 16, coordBits: 8, offset: 24},
		{size: 64, coordBits: 12, offset: 20},
		{size: 512, coordBits: 18, offset: 14},
		{size: 1, coordBits: 0, offset: 32},
		{size: 0, wantErr: true},
		{size: 3, wantErr: true},
		{size: 1 << 20, wantErr: true}, // 2*20=40 > 32
	}

	for _, c := range cases {
		gotBits, gotOffset, err := Geometry(c.size)
		if c.wantErr {
			if !errors.Is(err, ErrInvalidImageSize) {
				t.Errorf("Geometry(%d): want ErrInvalidImageSize, got %v", c.size, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Geometry(%d): unexpected error %v", c.size, err)
		}
		if gotBits != c.coordBits || gotOffset != c.offset {
			t.Errorf("Geometry(%d) = (%d, %d), want (%d, %d)", c.size, gotBits, gotOffset, c.coordBits, c.offset)
		}
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, size := range []uint32{8, 16, 64, 512} {
		coordBits, _, err := Geometry(size)
		if err != nil {
			t.Fatal(err)
		}
		k := K(coordBits)
		for x := uint32(0); x < size; x++ {
			for y := uint32(0); y < size; y++ {
				p := Pack(x, y, k)
				gx, gy := Unpack(p, k)
				if gx != x || gy != y {
					t.Fatalf("size %d: Pack/Unpack(%d,%d) round trip got (%d,%d)", size, x, y, gx, gy)
				}
				if p>>coordBits != 0 {
					t.Fatalf("size %d: packed coord %d has nonzero high bits above coordBits=%d", size, p, coordBits)
				}
			}
		}
	}
}
