// Command store is the distfs Store binary: four positional parameters, in
// order — port, cport, timeout (ms), file_folder.
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/nvanstrum/distfs/internal/cmn/nlog"
	"github.com/nvanstrum/distfs/internal/metrics"
	"github.com/nvanstrum/distfs/internal/store"
)

func main() {
	if len(os.Args) != 5 {
		nlog.Errorf("usage: store <port> <cport> <timeout_ms> <file_folder>")
		os.Exit(2)
	}
	port, err1 := strconv.Atoi(os.Args[1])
	cport, err2 := strconv.Atoi(os.Args[2])
	timeoutMS, err3 := strconv.Atoi(os.Args[3])
	folder := os.Args[4]
	if err1 != nil || err2 != nil || err3 != nil || folder == "" {
		nlog.Errorf("usage: store <port> <cport> <timeout_ms> <file_folder>")
		os.Exit(2)
	}

	cfg := store.Config{
		Port:           port,
		ControllerPort: cport,
		Timeout:        time.Duration(timeoutMS) * time.Millisecond,
		Folder:         folder,
		Compress:       os.Getenv("DISTFS_STORE_COMPRESS") != "",
	}

	m := metrics.NewStore()
	s := store.New(cfg, m)

	if adminAddr := os.Getenv("DISTFS_ADMIN_ADDR"); adminAddr != "" {
		go func() {
			nlog.Infof("store: admin surface on %s", adminAddr)
			if err := http.ListenAndServe(adminAddr, m.Handler()); err != nil {
				nlog.Warningf("store: admin surface stopped: %v", err)
			}
		}()
	}

	if err := s.Run(); err != nil {
		nlog.Errorf("store: %v", err)
		os.Exit(1)
	}
}
