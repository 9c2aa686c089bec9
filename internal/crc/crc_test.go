package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestBlockMatchesRepeatedSingle(t *testing.T) {
	var viaSingle CRC16
	for _, b := range []byte{1, 2, 3, 4, 5} {
		viaSingle.Single(b)
	}

	var viaBlock CRC16
	viaBlock.Block([]byte{1, 2, 3, 4, 5})

	assert.Equal(t, viaSingle, viaBlock)
}
