package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/esp"
	"github.com/slackhq/xpsec/ocf"
	"github.com/slackhq/xpsec/util"
	"golang.org/x/sync/semaphore"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

type result struct {
	ok       atomic.Int64
	failed   atomic.Int64
	mismatch atomic.Int64
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from, the simulator is used when empty")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	count := flag.Int("count", 10000, "Number of packets to encapsulate")
	size := flag.Int("size", 1400, "Inner packet size in bytes")
	inflight := flag.Int64("inflight", 64, "Maximum packets outstanding at once")
	verify := flag.Bool("verify", false, "Decapsulate every packet again and compare it with what was sent")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *count <= 0 || *size < 0 || *inflight <= 0 {
		fmt.Println("-count and -inflight must be positive and -size can not be negative")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	var err error
	if *configPath == "" {
		err = c.LoadString("backend:\n  type: sim\n")
	} else {
		err = c.Load(*configPath)
	}
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctrl, err := xpsec.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}
	if *configTest {
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl.Start()
	c.CatchHUP(ctx)

	err = bench(ctx, l, ctrl.Device(), *count, *size, *inflight, *verify)
	if err != nil {
		util.LogWithContextIfNeeded("Benchmark failed", err, l)
	}

	if stopErr := ctrl.Stop(); stopErr != nil || err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func randomKey(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func bench(ctx context.Context, l *logrus.Logger, dev *xpsec.Device, count, size int, inflight int64, verify bool) error {
	fw := ocf.New(l, nil)
	defer fw.Close()

	if _, err := fw.Register(dev, dev.Algorithms(), dev.MaxPayload()); err != nil {
		return err
	}

	sid, err := fw.NewSession([]xpsec.Key{
		{Alg: xpsec.AlgAESCBC, Key: randomKey(16)},
		{Alg: xpsec.AlgSHA1HMAC96, Key: randomKey(20)},
	})
	if err != nil {
		return util.NewContextualError("Failed to create a session", nil, err)
	}
	defer fw.FreeSession(sid)

	out := &esp.SA{
		SPI:     0x100,
		Src:     net.IPv4(192, 0, 2, 1),
		Dst:     net.IPv4(192, 0, 2, 2),
		Session: sid,
		Cipher:  xpsec.AlgAESCBC,
		MAC:     xpsec.AlgSHA1HMAC96,
	}
	in := &esp.SA{SPI: out.SPI, Src: out.Dst, Dst: out.Src, Session: sid, Cipher: out.Cipher, MAC: out.MAC}

	payload := randomKey(size)
	sem := semaphore.NewWeighted(inflight)
	var res result

	finish := func(req *xpsec.Request) {
		defer sem.Release(1)
		if req.Err != nil {
			res.failed.Add(1)
			if l.Level >= logrus.DebugLevel {
				l.WithError(req.Err).Debug("Packet failed")
			}
			return
		}
		res.ok.Add(1)
	}

	opened := func(req *xpsec.Request) {
		if req.Err == nil {
			got, next, err := req.Opaque.(*esp.Packet).Open()
			if err != nil || next != layers.IPProtocolIPv4 || !bytes.Equal(got, payload) {
				res.mismatch.Add(1)
			}
		}
		finish(req)
	}

	sealed := func(req *xpsec.Request) {
		if !verify || req.Err != nil {
			finish(req)
			return
		}

		p, err := in.Decapsulate(req.Opaque.(*esp.Packet).Buf)
		if err == nil {
			err = fw.Dispatch(in.Session, p.Request(opened))
		}
		if err != nil {
			req.Err = err
			finish(req)
		}
	}

	start := time.Now()
	sent := 0
	for ; sent < count; sent++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		p, err := out.Encapsulate(payload, layers.IPProtocolIPv4)
		if err == nil {
			err = fw.Dispatch(out.Session, p.Request(sealed))
		}
		if err != nil {
			sem.Release(1)
			return util.NewContextualError("Failed to dispatch", m{"sent": sent}, err)
		}
	}

	// Wait for everything outstanding to drain.
	if err := sem.Acquire(context.Background(), inflight); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := dev.Stats()
	pps := float64(res.ok.Load()) / elapsed.Seconds()
	l.WithField("sent", sent).
		WithField("ok", res.ok.Load()).
		WithField("failed", res.failed.Load()).
		WithField("mismatch", res.mismatch.Load()).
		WithField("elapsed", elapsed).
		WithField("pps", fmt.Sprintf("%.0f", pps)).
		WithField("mbps", fmt.Sprintf("%.1f", pps*float64(size)*8/1e6)).
		WithField("sessions", stats.Sessions).
		Info("Benchmark complete")

	if res.failed.Load() > 0 || res.mismatch.Load() > 0 {
		return fmt.Errorf("%d packets failed and %d did not match", res.failed.Load(), res.mismatch.Load())
	}
	return nil
}

type m = map[string]any
