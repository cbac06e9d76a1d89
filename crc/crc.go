// Package crc implements CRC-8 used by I2C climate sensors.
package crc

// Polynomial x^8+x^5+x^4+1, init 0xff, used by Sensirion and Aosong (DHT20/AHT20) sensors.
const (
	CRC_POLY_31 byte = 0x31
	CRC_INIT_FF byte = 0xff
)

func CRC8_p31(crc, data byte) byte {
	crc ^= data
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x80) != 0 {
			crc <<= 1
			crc ^= CRC_POLY_31
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC8_p31_n(crc byte, bs []byte) byte {
	for _, b := range bs {
		crc = CRC8_p31(crc, b)
	}
	return crc
}

// Sensor returns checksum as transmitted by sensor after data bytes.
func Sensor(bs []byte) byte { return CRC8_p31_n(CRC_INIT_FF, bs) }
