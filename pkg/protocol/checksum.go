package protocol

// Checksum is the 8-bit additive sum of data, modulo 256.
func Checksum(data []byte) byte {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// ValidateChecksum reports whether the last byte of a raw frame is the sum
// of all bytes before it.
func ValidateChecksum(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	return Checksum(frame[:len(frame)-1]) == frame[len(frame)-1]
}

func frameChecksum(cmd Command, payload []byte) byte {
	return byte(cmd) + Checksum(payload)
}
