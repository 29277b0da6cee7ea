// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command relaytun-server terminates KCP sessions, demuxes smux streams and
// forwards each one to a backend TCP or UNIX target.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/qpp"
	"github.com/xtaci/smux"

	"github.com/nbio/iostream"
	"github.com/nbio/iostream/cmd/relaytun/internal/relay"
	"github.com/nbio/iostream/ioloop"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

// targetKind distinguishes a TCP backend from a UNIX domain socket backend.
type targetKind int

const (
	targetTCP targetKind = iota
	targetUnix
)

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "relaytun-server"
	app.Usage = "KCP-to-TCP tunnel server (with smux)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":29900", Usage: `kcp listen address, eg: "IP:29900" or "IP:minport-maxport"`},
		cli.StringFlag{Name: "target,t", Value: "127.0.0.1:12948", Usage: "target server address, or path/to/unix_socket"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret", EnvVar: "RELAYTUN_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.BoolFlag{Name: "qpp", Usage: "enable Quantum Permutation Pads obfuscation"},
		cli.IntFlag{Name: "qppcount", Value: 61, Usage: "number of QPP pads (choose prime)"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit"},
		cli.IntFlag{Name: "sndwnd", Value: 1024, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 1024, Usage: "receive window size (packets)"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "reed-solomon datashard count"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "reed-solomon parityshard count"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6 bit)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable snappy compression"},
		cli.BoolFlag{Name: "acknodelay", Hidden: true},
		cli.IntFlag{Name: "nodelay", Hidden: true},
		cli.IntFlag{Name: "interval", Value: 50, Hidden: true},
		cli.IntFlag{Name: "resend", Hidden: true},
		cli.IntFlag{Name: "nc", Hidden: true},
		cli.IntFlag{Name: "sockbuf", Value: 4194304, Usage: "per-socket buffer in bytes"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux protocol version, 1 or 2"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "overall de-mux buffer in bytes"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "per-stream receive buffer, smux v2+"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "seconds between heartbeats"},
		cli.IntFlag{Name: "closewait", Value: 0, Usage: "seconds to linger before tearing down a connection"},
		cli.StringFlag{Name: "snmplog", Usage: "collect snmp counters to this file (time.Format layout)"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collection period in seconds"},
		cli.StringFlag{Name: "log", Usage: "log file path, default stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-stream open/close logging"},
		cli.StringFlag{Name: "c", Usage: "config json file, overrides CLI flags"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		Listen:       c.String("listen"),
		Target:       c.String("target"),
		Key:          c.String("key"),
		Crypt:        c.String("crypt"),
		Mode:         c.String("mode"),
		MTU:          c.Int("mtu"),
		SndWnd:       c.Int("sndwnd"),
		RcvWnd:       c.Int("rcvwnd"),
		DataShard:    c.Int("datashard"),
		ParityShard:  c.Int("parityshard"),
		DSCP:         c.Int("dscp"),
		NoComp:       c.Bool("nocomp"),
		AckNodelay:   c.Bool("acknodelay"),
		NoDelay:      c.Int("nodelay"),
		Interval:     c.Int("interval"),
		Resend:       c.Int("resend"),
		NoCongestion: c.Int("nc"),
		SockBuf:      c.Int("sockbuf"),
		SmuxVer:      c.Int("smuxver"),
		SmuxBuf:      c.Int("smuxbuf"),
		FrameSize:    c.Int("framesize"),
		StreamBuf:    c.Int("streambuf"),
		KeepAlive:    c.Int("keepalive"),
		CloseWait:    c.Int("closewait"),
		QPP:          c.Bool("qpp"),
		QPPCount:     c.Int("qppcount"),
		Log:          c.String("log"),
		SnmpLog:      c.String("snmplog"),
		SnmpPeriod:   c.Int("snmpperiod"),
		Quiet:        c.Bool("quiet"),
		Pprof:        c.Bool("pprof"),
	}

	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&config, path); err != nil {
			return errors.Wrap(err, "parseJSONConfig")
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	switch config.Mode {
	case "normal":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 40, 2, 1
	case "fast":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 30, 2, 1
	case "fast2":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 20, 2, 1
	case "fast3":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 10, 2, 1
	}

	if config.QPP {
		warnings, err := relay.ValidateQPPParams(config.QPPCount, config.Key)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			color.Red(w)
		}
	}
	if config.SmuxVer > 2 {
		return errors.Errorf("unsupported smux version: %d", config.SmuxVer)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", config.Listen)
	log.Println("target:", config.Target)
	log.Println("encryption:", config.Crypt)
	log.Println("qpp:", config.QPP)

	pass := relay.DeriveKey(config.Key)
	block, effectiveCrypt := relay.SelectBlockCrypt(config.Crypt, pass)
	log.Println("effective cipher:", effectiveCrypt)

	var pad *qpp.QuantumPermutationPad
	if config.QPP {
		pad = qpp.NewQPP([]byte(config.Key), uint16(config.QPPCount))
	}

	go relay.SnmpLogger(config.SnmpLog, config.SnmpPeriod)
	if config.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	loop, err := ioloop.New()
	if err != nil {
		return errors.Wrap(err, "ioloop.New")
	}
	defer loop.Close()

	go func() {
		if err := loop.Run(); err != nil {
			log.Println("loop:", err)
		}
	}()

	mp, err := relay.ParseMultiPort(config.Listen)
	if err != nil {
		return errors.Wrap(err, "parse listen address")
	}

	var wg sync.WaitGroup
	acceptLoop := func(lis *kcp.Listener) {
		defer wg.Done()
		if err := lis.SetDSCP(config.DSCP); err != nil {
			log.Println("SetDSCP:", err)
		}
		if err := lis.SetReadBuffer(config.SockBuf); err != nil {
			log.Println("SetReadBuffer:", err)
		}
		if err := lis.SetWriteBuffer(config.SockBuf); err != nil {
			log.Println("SetWriteBuffer:", err)
		}

		for {
			kcpconn, err := lis.AcceptKCP()
			if err != nil {
				log.Printf("%+v", err)
				return
			}
			log.Println("remote address:", kcpconn.RemoteAddr())
			kcpconn.SetStreamMode(true)
			kcpconn.SetWriteDelay(false)
			kcpconn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
			kcpconn.SetMtu(config.MTU)
			kcpconn.SetWindowSize(config.SndWnd, config.RcvWnd)
			kcpconn.SetACKNoDelay(config.AckNodelay)

			var transport net.Conn = kcpconn
			if !config.NoComp {
				transport = relay.NewCompStream(kcpconn)
			}
			go handleMux(pad, transport, &config, loop)
		}
	}

	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		listenAddr := fmt.Sprintf("%v:%v", mp.Host, port)
		log.Printf("listening on: %v/udp", listenAddr)
		lis, err := kcp.ListenWithOptions(listenAddr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return errors.Wrap(err, "kcp listen")
		}
		wg.Add(1)
		go acceptLoop(lis)
	}

	wg.Wait()
	return nil
}

// handleMux terminates a KCP session, accepts smux streams, and forwards
// each one to the configured TCP or UNIX target.
func handleMux(pad *qpp.QuantumPermutationPad, conn net.Conn, config *Config, loop ioloop.Loop) {
	kind := targetTCP
	if _, _, err := net.SplitHostPort(config.Target); err != nil {
		kind = targetUnix
	}
	log.Println("smux version:", config.SmuxVer, "on connection:", conn.LocalAddr(), "->", conn.RemoteAddr())

	smuxConfig, err := relay.BuildSmuxConfig(relay.SmuxParams{
		Version:          config.SmuxVer,
		MaxReceiveBuffer: config.SmuxBuf,
		MaxStreamBuffer:  config.StreamBuf,
		MaxFrameSize:     config.FrameSize,
		KeepAliveSeconds: config.KeepAlive,
	})
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}

	mux, err := smux.Server(conn, smuxConfig)
	if err != nil {
		log.Println(err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			log.Println(err)
			return
		}
		go dialTarget(pad, []byte(config.Key), stream, kind, config.Target, config.Quiet, loop)
	}
}

// dialTarget dials the backend and bridges it to the smux stream.
func dialTarget(pad *qpp.QuantumPermutationPad, seed []byte, stream *smux.Stream, kind targetKind, target string, quiet bool, loop ioloop.Loop) {
	network := "tcp"
	if kind == targetUnix {
		network = "unix"
	}
	conn, err := net.Dial(network, target)
	if err != nil {
		log.Println(err)
		stream.Close()
		return
	}

	near, err := iostream.NewStreamFromConn(conn, loop)
	if err != nil {
		log.Println("wrap backend conn:", err)
		conn.Close()
		stream.Close()
		return
	}

	var farSide io.ReadWriteCloser = stream
	if pad != nil {
		farSide = relay.NewPort(stream, pad, seed)
	}

	label := fmt.Sprint("in:", fmt.Sprint(stream.RemoteAddr(), "(", stream.ID(), ")"), " out:", conn.RemoteAddr())
	relay.NewBridge(label, near, farSide, quiet).Start()
}
