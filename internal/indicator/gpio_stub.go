//go:build !linux || (!arm && !arm64)

package indicator

import "fmt"

func openLED(pin int) (led, error) {
	return nil, fmt.Errorf("indicator: gpio unsupported on this platform")
}

var openLEDFn = openLED
