package controller

import (
	"io"
	"net"
	"strconv"

	"github.com/nvanstrum/distfs/internal/cmn/nlog"
	"github.com/nvanstrum/distfs/internal/proto"
)

// mirrorAfterStore fetches name's bytes from one of the replicas that just
// acked it, over the ordinary client LOAD_DATA path, and hands them to the
// durability mirror. This runs off the STORE_COMPLETE critical path (called
// from a fresh goroutine) and never affects protocol outcome — failures are
// logged and dropped.
func (c *Controller) mirrorAfterStore(name string, targets []int) {
	for _, port := range targets {
		data, err := fetchFromStore(port, name)
		if err != nil {
			nlog.Warningf("controller: mirror fetch %s from %d: %v", name, port, err)
			continue
		}
		c.mirror.Enqueue(name, data)
		return
	}
	nlog.Warningf("controller: mirror: could not fetch %s from any replica", name)
}

func fetchFromStore(port int, name string) ([]byte, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	w := proto.NewWriter(conn)
	if err := w.WriteMsg(proto.LoadData, name); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}
