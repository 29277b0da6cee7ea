// Copyright (c) 2016 xtaci
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

package iostream

// CallbackContext lets a caller splice ambient state (request-scoped
// logging fields, tracing spans) around every callback a Stream runs,
// without the Stream itself knowing anything about that state.
type CallbackContext interface {
	// Wrap returns fn, optionally decorated to restore ambient state
	// before fn runs and tear it down after.
	Wrap(fn func()) func()
}

type nullCallbackContext struct{}

func (nullCallbackContext) Wrap(fn func()) func() { return fn }

// NullCallbackContext is the default CallbackContext: it runs callbacks
// with no ambient decoration.
var NullCallbackContext CallbackContext = nullCallbackContext{}
