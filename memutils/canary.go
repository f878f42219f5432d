package memutils

import "unsafe"

// FillPattern writes pattern across size bytes starting at offset bytes past data
func FillPattern(data unsafe.Pointer, offset int, size int, pattern byte) {
	if size <= 0 {
		return
	}
	dest := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)
	for i := range dest {
		dest[i] = pattern
	}
}

// CheckPattern verifies that the marker written by FillPattern is still present. It returns
// -1 if every byte still holds pattern, otherwise the index of the first byte that was
// overwritten.
func CheckPattern(data unsafe.Pointer, offset int, size int, pattern byte) int {
	if size <= 0 {
		return -1
	}
	source := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)
	for i, b := range source {
		if b != pattern {
			return i
		}
	}

	return -1
}
