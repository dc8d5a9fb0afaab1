package fifo

import "testing"

func TestFifoWrite(t *testing.T) {
	f := NewFifo(100)
	res := f.Write([]byte{1, 2, 3, 4, 5}, nil)
	if res != 5 {
		t.Errorf("written only %v", res)
	}
	if f.writePos != 5 {
		t.Errorf("write position is %v", f.writePos)
	}
	if f.readPos != 0 {
		t.Error()
	}
	res = f.Write(make([]byte, 500), nil)
	if res != 94 {
		t.Errorf("wrote %v", res)
	}
	res = f.Write([]byte{1}, nil)
	if res != 0 {
		t.Error()
	}
	// Free up some space by reading then re writing
	eof := false
	f.Read(make([]byte, 10), &eof)
	res = f.Write(make([]byte, 10), nil)
	if res != 10 {
		t.Error()
	}
}

func TestFifoRead(t *testing.T) {
	f := NewFifo(100)
	recvBuf := make([]byte, 10)
	eof := false
	res := f.Read(recvBuf, &eof)
	if res != 0 {
		t.Error()
	}
	res = f.Write([]byte{1, 2, 3, 4}, nil)
	if res != 4 || f.writePos != 4 {
		t.Error()
	}
	res = f.Read(recvBuf, &eof)
	if res != 4 {
		t.Errorf("res is %v", res)
	}
	if !eof {
		t.Error("expected eof once fully drained")
	}
}

func TestFifoSpaceAndOccupied(t *testing.T) {
	f := NewFifo(8)
	if f.GetSpace() != 7 {
		t.Errorf("expected 7 free slots, got %v", f.GetSpace())
	}
	f.Write([]byte{1, 2, 3}, nil)
	if f.GetOccupied() != 3 {
		t.Errorf("expected 3 occupied, got %v", f.GetOccupied())
	}
	if f.GetSpace() != 4 {
		t.Errorf("expected 4 free slots, got %v", f.GetSpace())
	}
}
