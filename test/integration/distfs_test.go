package integration

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvanstrum/distfs/internal/controller"
	"github.com/nvanstrum/distfs/internal/metrics"
	"github.com/nvanstrum/distfs/internal/proto"
	"github.com/nvanstrum/distfs/internal/store"
)

func freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startController(r int, timeout time.Duration) (*controller.Controller, int) {
	c, err := controller.New(controller.Config{R: r, Timeout: timeout}, nil, nil)
	Expect(err).NotTo(HaveOccurred())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	go c.Serve(ln)
	return c, ln.Addr().(*net.TCPAddr).Port
}

func startStore(c *controller.Controller, cport int, timeout time.Duration) int {
	port := freePort()
	folder, err := os.MkdirTemp("", "distfs-store-")
	Expect(err).NotTo(HaveOccurred())
	s := store.New(store.Config{
		Port:           port,
		ControllerPort: cport,
		Timeout:        timeout,
		Folder:         folder,
	}, metrics.NewStore())
	go func() { _ = s.Run() }()
	Eventually(func() bool { return c.Membership().Has(port) }, time.Second, 5*time.Millisecond).Should(BeTrue())
	return port
}

func dialController(cport int) (*proto.Reader, *proto.Writer, net.Conn) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cport))
	Expect(err).NotTo(HaveOccurred())
	return proto.NewReader(conn), proto.NewWriter(conn), conn
}

func storeDirectly(port int, name string, data []byte) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	defer conn.Close()
	w := proto.NewWriter(conn)
	r := proto.NewReader(conn)
	if err := w.WriteMsg(proto.Store, name, len(data)); err != nil {
		return err
	}
	msg, err := r.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Verb != proto.Ack {
		return fmt.Errorf("unexpected reply to STORE: %q", msg.Verb)
	}
	_, err = conn.Write(data)
	return err
}

func loadDirectly(port int, name string, size int) ([]byte, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	w := proto.NewWriter(conn)
	if err := w.WriteMsg(proto.LoadData, name); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	_, err = io.ReadFull(conn, buf)
	return buf, err
}

var _ = Describe("distfs", func() {
	const smallTimeout = 300 * time.Millisecond

	Describe("admission", func() {
		It("rejects STORE until a quorum of Stores has joined", func() {
			_, cport := startController(2, time.Second)
			cr, cw, conn := dialController(cport)
			defer conn.Close()

			Expect(cw.WriteMsg(proto.Store, "early", 4)).To(Succeed())
			msg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Verb).To(Equal(proto.ErrNotEnough))
		})
	})

	Describe("STORE and LOAD", func() {
		It("stores a file to R replicas and serves back identical bytes", func() {
			c, cport := startController(2, time.Second)
			startStore(c, cport, time.Second)
			startStore(c, cport, time.Second)

			data := []byte("the quick brown fox jumps over the lazy dog")

			cr, cw, conn := dialController(cport)
			defer conn.Close()
			Expect(cw.WriteMsg(proto.Store, "fox.txt", len(data))).To(Succeed())

			toMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(toMsg.Verb).To(Equal(proto.StoreTo))
			Expect(toMsg.Args).To(HaveLen(2))

			for _, arg := range toMsg.Args {
				var port int
				_, err := fmt.Sscanf(arg, "%d", &port)
				Expect(err).NotTo(HaveOccurred())
				Expect(storeDirectly(port, "fox.txt", data)).To(Succeed())
			}

			doneMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(doneMsg.Verb).To(Equal(proto.StoreComplete))

			lcr, lcw, lconn := dialController(cport)
			defer lconn.Close()
			Expect(lcw.WriteMsg(proto.Load, "fox.txt")).To(Succeed())
			loadMsg, err := lcr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(loadMsg.Verb).To(Equal(proto.LoadFrom))

			var servingPort, size int
			_, err = fmt.Sscanf(loadMsg.Arg(0), "%d", &servingPort)
			Expect(err).NotTo(HaveOccurred())
			_, err = fmt.Sscanf(loadMsg.Arg(1), "%d", &size)
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(len(data)))

			got, err := loadDirectly(servingPort, "fox.txt", size)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(data))
		})

		It("rejects a second STORE of a name that already exists", func() {
			c, cport := startController(1, time.Second)
			startStore(c, cport, time.Second)

			data := []byte("v1")
			cr, cw, conn := dialController(cport)
			defer conn.Close()
			Expect(cw.WriteMsg(proto.Store, "dup.bin", len(data))).To(Succeed())
			toMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			var port int
			_, _ = fmt.Sscanf(toMsg.Arg(0), "%d", &port)
			Expect(storeDirectly(port, "dup.bin", data)).To(Succeed())
			doneMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(doneMsg.Verb).To(Equal(proto.StoreComplete))

			cr2, cw2, conn2 := dialController(cport)
			defer conn2.Close()
			Expect(cw2.WriteMsg(proto.Store, "dup.bin", 99)).To(Succeed())
			rejectMsg, err := cr2.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(rejectMsg.Verb).To(Equal(proto.ErrFileExists))
		})

		It("closes the client connection without STORE_COMPLETE when a target never acks", func() {
			c, cport := startController(1, smallTimeout)
			startStore(c, cport, smallTimeout)

			cr, cw, conn := dialController(cport)
			defer conn.Close()
			Expect(cw.WriteMsg(proto.Store, "orphan.bin", 10)).To(Succeed())
			_, err := cr.ReadMsg() // STORE_TO
			Expect(err).NotTo(HaveOccurred())

			// Deliberately never contact the target Store directly.
			_, err = cr.ReadMsg()
			Expect(err).To(HaveOccurred())
		})

		It("serves RELOAD from a live replica after a successful store", func() {
			c, cport := startController(2, time.Second)
			startStore(c, cport, time.Second)
			startStore(c, cport, time.Second)

			data := []byte("reload me")
			cr, cw, conn := dialController(cport)
			defer conn.Close()
			Expect(cw.WriteMsg(proto.Store, "r.bin", len(data))).To(Succeed())
			toMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			for _, arg := range toMsg.Args {
				var port int
				_, _ = fmt.Sscanf(arg, "%d", &port)
				Expect(storeDirectly(port, "r.bin", data)).To(Succeed())
			}
			_, err = cr.ReadMsg() // STORE_COMPLETE
			Expect(err).NotTo(HaveOccurred())

			rcr, rcw, rconn := dialController(cport)
			defer rconn.Close()
			Expect(rcw.WriteMsg(proto.Reload, "r.bin")).To(Succeed())
			reloadMsg, err := rcr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(reloadMsg.Verb).To(Equal(proto.LoadFrom))

			var servingPort, size int
			_, _ = fmt.Sscanf(reloadMsg.Arg(0), "%d", &servingPort)
			_, _ = fmt.Sscanf(reloadMsg.Arg(1), "%d", &size)
			got, err := loadDirectly(servingPort, "r.bin", size)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(data))
		})
	})

	Describe("REMOVE", func() {
		It("removes a stored file so a subsequent LOAD fails", func() {
			c, cport := startController(1, time.Second)
			startStore(c, cport, time.Second)

			data := []byte("gone soon")
			cr, cw, conn := dialController(cport)
			defer conn.Close()
			Expect(cw.WriteMsg(proto.Store, "bye.bin", len(data))).To(Succeed())
			toMsg, err := cr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			var port int
			_, _ = fmt.Sscanf(toMsg.Arg(0), "%d", &port)
			Expect(storeDirectly(port, "bye.bin", data)).To(Succeed())
			_, err = cr.ReadMsg() // STORE_COMPLETE
			Expect(err).NotTo(HaveOccurred())

			rcr, rcw, rconn := dialController(cport)
			defer rconn.Close()
			Expect(rcw.WriteMsg(proto.Remove, "bye.bin")).To(Succeed())
			removeMsg, err := rcr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(removeMsg.Verb).To(Equal(proto.RemoveComplete))

			lcr, lcw, lconn := dialController(cport)
			defer lconn.Close()
			Expect(lcw.WriteMsg(proto.Load, "bye.bin")).To(Succeed())
			loadMsg, err := lcr.ReadMsg()
			Expect(err).NotTo(HaveOccurred())
			Expect(loadMsg.Verb).To(Equal(proto.ErrFileNotFound))
		})
	})
})
