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

package main

import (
	"encoding/json"
	"os"
)

// Config holds every knob the client CLI exposes, mirroring what a config
// file loaded with "-c" can override.
type Config struct {
	LocalAddr  string `json:"localaddr"`
	RemoteAddr string `json:"remoteaddr"`
	Key        string `json:"key"`
	Crypt      string `json:"crypt"`
	Mode       string `json:"mode"`

	Conn        int `json:"conn"`
	AutoExpire  int `json:"autoexpire"`
	ScavengeTTL int `json:"scavengettl"`
	MTU         int `json:"mtu"`
	SndWnd      int `json:"sndwnd"`
	RcvWnd      int `json:"rcvwnd"`
	DataShard   int `json:"datashard"`
	ParityShard int `json:"parityshard"`
	DSCP        int `json:"dscp"`

	NoComp       bool `json:"nocomp"`
	AckNodelay   bool `json:"acknodelay"`
	NoDelay      int  `json:"nodelay"`
	Interval     int  `json:"interval"`
	Resend       int  `json:"resend"`
	NoCongestion int  `json:"nc"`

	SockBuf   int `json:"sockbuf"`
	SmuxVer   int `json:"smuxver"`
	SmuxBuf   int `json:"smuxbuf"`
	FrameSize int `json:"framesize"`
	StreamBuf int `json:"streambuf"`
	KeepAlive int `json:"keepalive"`
	CloseWait int `json:"closewait"`

	QPP      bool `json:"qpp"`
	QPPCount int  `json:"qpp-count"`

	Log        string `json:"log"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Quiet      bool   `json:"quiet"`
	Pprof      bool   `json:"pprof"`
}

func parseJSONConfig(config *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(config)
}
