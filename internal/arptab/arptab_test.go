package arptab

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

func buildNeighMsg(t *testing.T, ifIndex int32, state uint16, addr [4]byte, mac net.HardwareAddr) []byte {
	t.Helper()

	dstAttrLen := rtaAlignLen(rtaHdrLen + 4)
	lladdrAttrLen := rtaAlignLen(rtaHdrLen + 6)
	totalLen := nlmsgHdrLen + ndmsgLen + dstAttrLen + lladdrAttrLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWNEIGH)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_INET
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint16(buf[off+8:off+10], state)

	off = nlmsgHdrLen + ndmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], ndaDst)
	copy(buf[off+rtaHdrLen:], addr[:])

	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+6))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], ndaLladdr)
	copy(buf[off+rtaHdrLen:], mac)

	return buf
}

func TestParseNeighMsgReachable(t *testing.T) {
	t.Parallel()

	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	msg := buildNeighMsg(t, 3, ndReachable, [4]byte{172, 16, 0, 5}, mac)

	buf, done, err := parseNlMessages(msg)
	if err != nil {
		t.Fatalf("parseNlMessages: %v", err)
	}
	if done {
		t.Error("did not expect done without NLMSG_DONE")
	}
	if len(buf) != 1 {
		t.Fatalf("expected one entry, got %d", len(buf))
	}
	e := buf[0]
	if e.ifIndex != 3 {
		t.Errorf("ifIndex = %d, want 3", e.ifIndex)
	}
	want := addrutil.FromBytes(172, 16, 0, 5)
	if e.addr != want {
		t.Errorf("addr = %s, want %s", e.addr, want)
	}
	if e.mac.String() != mac.String() {
		t.Errorf("mac = %s, want %s", e.mac, mac)
	}
}

func TestParseNlMessagesStopsAtDone(t *testing.T) {
	t.Parallel()

	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	entryMsg := buildNeighMsg(t, 1, ndReachable, [4]byte{172, 16, 0, 1}, mac)

	doneMsg := make([]byte, nlmsgHdrLen)
	binary.LittleEndian.PutUint32(doneMsg[0:4], nlmsgHdrLen)
	binary.LittleEndian.PutUint16(doneMsg[4:6], unix.NLMSG_DONE)

	buf := append(append([]byte(nil), entryMsg...), doneMsg...)

	entries, done, err := parseNlMessages(buf)
	if err != nil {
		t.Fatalf("parseNlMessages: %v", err)
	}
	if !done {
		t.Error("expected done=true after NLMSG_DONE")
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry before DONE, got %d", len(entries))
	}
}

func TestCacheLookupUsesPrepopulatedEntries(t *testing.T) {
	t.Parallel()

	addr := addrutil.FromBytes(172, 16, 0, 9)
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	c := NewCache()
	c.entries["em0"] = map[addrutil.Addr]net.HardwareAddr{addr: mac}
	c.lastRefresh["em0"] = time.Now()

	got, ok := c.Lookup("em0", addr)
	if !ok || got.String() != mac.String() {
		t.Errorf("Lookup = %v, %v; want %v, true", got, ok, mac)
	}

	if _, ok := c.Lookup("em0", addrutil.FromBytes(172, 16, 0, 10)); ok {
		t.Error("expected no entry for unknown address")
	}
}
