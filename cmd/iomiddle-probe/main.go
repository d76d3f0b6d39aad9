// Command iomiddle-probe is a minimal worked example of driving the
// middleware directly from one rank of a parallel job: it joins the
// process group named by IOMIDDLE_TRANSPORT/IOMIDDLE_HUB_ADDR, opens a
// managed file under IOMIDDLE_CARE_PATH, writes its rank id as one
// stripe, and closes — the smallest program that exercises the full
// write path end to end.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/yishikawa/iomiddle"
	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/group/tcp"
	"github.com/yishikawa/iomiddle/pkg/hijack"
	"github.com/yishikawa/iomiddle/pkg/ioconfig"
)

func main() {
	logger := logrus.NewEntry(logrus.StandardLogger())

	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path> <rank> <nprocs>\n", os.Args[0])
		os.Exit(2)
	}
	path := os.Args[1]
	rank, err := strconv.Atoi(os.Args[2])
	if err != nil {
		logger.WithError(err).Fatal("invalid rank")
	}
	nprocs, err := strconv.Atoi(os.Args[3])
	if err != nil {
		logger.WithError(err).Fatal("invalid nprocs")
	}

	cfg, err := ioconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("loading configuration")
	}

	world, err := joinWorld(cfg, rank, nprocs)
	if err != nil {
		logger.WithError(err).Fatal("joining process group")
	}
	defer world.Close()

	m, err := iomiddle.New(cfg, world, hijack.Default(), logger)
	if err != nil {
		logger.WithError(err).Fatal("constructing middleware")
	}

	fd, err := m.Creat(path, 0o644)
	if err != nil {
		logger.WithError(err).Fatal("creat")
	}

	stripe := make([]byte, 4096)
	for i := range stripe {
		stripe[i] = byte(rank)
	}
	n, err := m.Write(fd, stripe)
	if err != nil {
		logger.WithError(err).Fatal("write")
	}
	logger.WithField("bytes", n).Info("wrote stripe")

	if err := m.Close(fd); err != nil {
		logger.WithError(err).Fatal("close")
	}
}

func joinWorld(cfg ioconfig.Config, rank, nprocs int) (group.Group, error) {
	if cfg.Transport != ioconfig.TransportTCP {
		return nil, fmt.Errorf("iomiddle-probe: only the tcp transport supports separate processes (got %q)", cfg.Transport)
	}
	if rank == 0 {
		return tcp.Listen(cfg.HubAddr, nprocs)
	}
	return tcp.Dial(cfg.HubAddr, rank, nprocs)
}
