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

// Command relaytun-client accepts local TCP connections and forwards each one
// as a smux stream multiplexed over a KCP session to a relaytun-server.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

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

// scavengePeriod is how often the scavenger goroutine checks for expired
// KCP sessions.
const scavengePeriod = 5 * time.Second

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "relaytun-client"
	app.Usage = "TCP-to-KCP tunnel client (with smux)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: ":12948", Usage: "local listen address"},
		cli.StringFlag{Name: "remoteaddr,r", Value: "vps:29900", Usage: "relaytun-server address"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret", EnvVar: "RELAYTUN_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.BoolFlag{Name: "qpp", Usage: "enable Quantum Permutation Pads obfuscation"},
		cli.IntFlag{Name: "qppcount", Value: 61, Usage: "number of QPP pads (choose prime)"},
		cli.IntFlag{Name: "conn", Value: 1, Usage: "number of UDP connections to the server"},
		cli.IntFlag{Name: "autoexpire", Value: 0, Usage: "expire a UDP connection after N seconds, 0 disables"},
		cli.IntFlag{Name: "scavengettl", Value: 600, Usage: "seconds an expired connection may linger"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size (packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size (packets)"},
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
		LocalAddr:   c.String("localaddr"),
		RemoteAddr:  c.String("remoteaddr"),
		Key:         c.String("key"),
		Crypt:        c.String("crypt"),
		Mode:         c.String("mode"),
		Conn:         c.Int("conn"),
		AutoExpire:   c.Int("autoexpire"),
		ScavengeTTL:  c.Int("scavengettl"),
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
	if config.AutoExpire != 0 && config.ScavengeTTL > config.AutoExpire {
		color.Red("WARNING: scavengettl is bigger than autoexpire; connections may race to reconnect")
	}
	if config.SmuxVer > 2 {
		return errors.Errorf("unsupported smux version: %d", config.SmuxVer)
	}

	listener, err := net.Listen("tcp", config.LocalAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer listener.Close()

	log.Println("version:", VERSION)
	log.Println("listening on:", listener.Addr())
	log.Println("remote address:", config.RemoteAddr)
	log.Println("encryption:", config.Crypt)
	log.Println("qpp:", config.QPP)

	pass := relay.DeriveKey(config.Key)
	block, effectiveCrypt := relay.SelectBlockCrypt(config.Crypt, pass)
	log.Println("effective cipher:", effectiveCrypt)

	var pad *qpp.QuantumPermutationPad
	if config.QPP {
		pad = qpp.NewQPP([]byte(config.Key), uint16(config.QPPCount))
	}

	loop, err := ioloop.New()
	if err != nil {
		return errors.Wrap(err, "ioloop.New")
	}
	defer loop.Close()

	createSession := func() (*smux.Session, error) {
		kcpconn, err := kcp.DialWithOptions(config.RemoteAddr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return nil, errors.Wrap(err, "kcp dial")
		}
		kcpconn.SetStreamMode(true)
		kcpconn.SetWriteDelay(false)
		kcpconn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		kcpconn.SetWindowSize(config.SndWnd, config.RcvWnd)
		kcpconn.SetMtu(config.MTU)
		kcpconn.SetACKNoDelay(config.AckNodelay)
		if err := kcpconn.SetDSCP(config.DSCP); err != nil {
			log.Println("SetDSCP:", err)
		}
		if err := kcpconn.SetReadBuffer(config.SockBuf); err != nil {
			log.Println("SetReadBuffer:", err)
		}
		if err := kcpconn.SetWriteBuffer(config.SockBuf); err != nil {
			log.Println("SetWriteBuffer:", err)
		}

		smuxConfig, err := relay.BuildSmuxConfig(relay.SmuxParams{
			Version:          config.SmuxVer,
			MaxReceiveBuffer: config.SmuxBuf,
			MaxStreamBuffer:  config.StreamBuf,
			MaxFrameSize:     config.FrameSize,
			KeepAliveSeconds: config.KeepAlive,
		})
		if err != nil {
			kcpconn.Close()
			return nil, errors.Wrap(err, "smux config")
		}

		var transport net.Conn = kcpconn
		if !config.NoComp {
			transport = relay.NewCompStream(kcpconn)
		}
		session, err := smux.Client(transport, smuxConfig)
		if err != nil {
			kcpconn.Close()
			return nil, errors.Wrap(err, "smux client")
		}
		log.Println("session established:", kcpconn.LocalAddr(), "->", kcpconn.RemoteAddr())
		return session, nil
	}

	waitSession := func() *smux.Session {
		for {
			session, err := createSession()
			if err == nil {
				return session
			}
			log.Println("re-connecting:", err)
			time.Sleep(time.Second)
		}
	}

	go relay.SnmpLogger(config.SnmpLog, config.SnmpPeriod)
	if config.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	chScavenger := make(chan timedSession, 128)
	if config.AutoExpire > 0 {
		go scavenger(chScavenger, &config)
	}

	sessions := make([]timedSession, config.Conn)
	var rr uint

	go func() {
		if err := loop.Run(); err != nil {
			log.Println("loop:", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		idx := rr % uint(len(sessions))
		rr++

		if sessions[idx].session == nil || sessions[idx].session.IsClosed() ||
			(config.AutoExpire > 0 && time.Now().After(sessions[idx].expiryDate)) {
			sessions[idx].session = waitSession()
			sessions[idx].expiryDate = time.Now().Add(time.Duration(config.AutoExpire) * time.Second)
			if config.AutoExpire > 0 {
				chScavenger <- sessions[idx]
			}
		}

		go handleClient(pad, []byte(config.Key), sessions[idx].session, conn, loop, config.Quiet)
	}
}

// handleClient opens a smux stream for the accepted TCP connection and
// bridges the two, non-blocking on the TCP side via iostream, blocking on
// the smux side via relay.Bridge's own goroutines.
func handleClient(pad *qpp.QuantumPermutationPad, seed []byte, session *smux.Session, conn net.Conn, loop ioloop.Loop, quiet bool) {
	near, err := iostream.NewStreamFromConn(conn, loop)
	if err != nil {
		log.Println("wrap accepted conn:", err)
		conn.Close()
		return
	}

	far, err := session.OpenStream()
	if err != nil {
		log.Println("open smux stream:", err)
		near.Close()
		return
	}

	var farSide io.ReadWriteCloser = far
	if pad != nil {
		farSide = relay.NewPort(far, pad, seed)
	}

	label := fmt.Sprint("in:", conn.RemoteAddr(), " out:", far.RemoteAddr(), "(", far.ID(), ")")
	relay.NewBridge(label, near, farSide, quiet).Start()
}

// timedSession pairs a smux.Session with its autoexpire deadline.
type timedSession struct {
	session    *smux.Session
	expiryDate time.Time
}

// scavenger closes expired KCP/smux sessions.
func scavenger(ch chan timedSession, config *Config) {
	ticker := time.NewTicker(scavengePeriod)
	defer ticker.Stop()
	var list []timedSession
	for {
		select {
		case item := <-ch:
			list = append(list, timedSession{
				item.session,
				item.expiryDate.Add(time.Duration(config.ScavengeTTL) * time.Second),
			})
		case <-ticker.C:
			var kept []timedSession
			for _, s := range list {
				switch {
				case s.session.IsClosed():
					log.Println("scavenger: session closed normally:", s.session.LocalAddr())
				case time.Now().After(s.expiryDate):
					s.session.Close()
					log.Println("scavenger: session closed on ttl:", s.session.LocalAddr())
				default:
					kept = append(kept, s)
				}
			}
			list = kept
		}
	}
}
