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

package relay

import (
	"fmt"
	"io"
	"math/big"

	"github.com/xtaci/qpp"
)

// qppPower is the permutation dimension used throughout the relay.
const qppPower = 8

// ValidateQPPParams inspects caller-provided QPP settings and returns a fatal
// error when the configuration can't work at all. Non-fatal concerns are
// returned as warnings so the caller can keep running while still alerting
// the operator.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("qpp count must be greater than 0 when QPP is enabled")
	}

	var warnings []string

	if minSeedLength := qpp.QPPMinimumSeedLength(qppPower); len(key) < minSeedLength {
		warnings = append(warnings, fmt.Sprintf("qpp: key has %d bytes, need at least %d", len(key), minSeedLength))
	}

	if minPads := qpp.QPPMinimumPads(qppPower); count < minPads {
		warnings = append(warnings, fmt.Sprintf("qpp: count %d, need at least %d", count, minPads))
	}

	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("qpp: count %d shares a factor with %d, choose a prime for best security", count, qppPower))
	}

	return warnings, nil
}

// Port wraps an io.ReadWriteCloser with Quantum Permutation Pad obfuscation,
// re-seeding independent PRNGs for the read and write directions so each
// side permutes with its own keystream.
type Port struct {
	underlying io.ReadWriteCloser

	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
}

// NewPort builds a QPP-obfuscated port over underlying, sharing pad but
// deriving independent PRNG state per direction from seed.
func NewPort(underlying io.ReadWriteCloser, pad *qpp.QuantumPermutationPad, seed []byte) *Port {
	return &Port{
		underlying: underlying,
		pad:        pad,
		wprng:      qpp.CreatePRNG(seed),
		rprng:      qpp.CreatePRNG(seed),
	}
}

func (p *Port) Read(b []byte) (int, error) {
	n, err := p.underlying.Read(b)
	p.pad.DecryptWithPRNG(b[:n], p.rprng)
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	p.pad.EncryptWithPRNG(b, p.wprng)
	return p.underlying.Write(b)
}

func (p *Port) Close() error {
	return p.underlying.Close()
}
