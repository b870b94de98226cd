package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	table := []struct {
		reg Registration
		ok  bool
	}{
		{Registration{}, true},
		{Registration{AssemblyTimeoutSeconds: 30, DiskScanInterval: 300}, true},
		{Registration{DiskSelectors: []string{"^sd[b-z]$", "^nvme[0-9]n[0-9]$"}}, true},
		{Registration{AssemblyTimeoutSeconds: -1}, false},
		{Registration{DiskScanInterval: -300}, false},
		{Registration{DiskSelectors: []string{"^sd[b-z$"}}, false},
	}

	for _, e := range table {
		err := Validate(e.reg)
		if e.ok {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	}
}

func TestAssemblyTimeoutDefault(t *testing.T) {
	assert.Equal(t, 30*time.Second, AssemblyTimeout())
}

func TestListenerChanDeregistration(t *testing.T) {
	a := make(chan struct{}, 1)
	b := make(chan struct{}, 1)
	RegisterListenerChan(a)
	RegisterListenerChan(b)

	UnregisterListenerChan(a)
	for _, l := range configModifyNotice {
		assert.NotEqual(t, (chan<- struct{})(a), l)
	}

	// a reload notification must only reach the remaining listener
	for _, l := range configModifyNotice {
		l <- struct{}{}
	}
	assert.Len(t, b, 1)
	assert.Len(t, a, 0)

	UnregisterListenerChan(b)
	// removing an unknown channel is a no-op
	UnregisterListenerChan(a)
}
