package testutils

import "github.com/srg/linkd/internal/radio"

// RadioEvents adapts plain funcs to radio.EventHandler; nil funcs are skipped
type RadioEvents struct {
	OnStarted       func()
	OnStopped       func()
	OnAdvertisement func(radio.Advertisement)
}

func (e RadioEvents) ScanStarted() {
	if e.OnStarted != nil {
		e.OnStarted()
	}
}

func (e RadioEvents) ScanStopped() {
	if e.OnStopped != nil {
		e.OnStopped()
	}
}

func (e RadioEvents) Advertisement(adv radio.Advertisement) {
	if e.OnAdvertisement != nil {
		e.OnAdvertisement(adv)
	}
}
