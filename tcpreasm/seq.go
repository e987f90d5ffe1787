package tcpreasm

// TCP sequence numbers wrap at 2^32; comparisons must be done on the signed
// difference, not the raw unsigned values.

func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return int32(a-b) <= 0
}

func seqGreaterEq(a, b uint32) bool {
	return int32(a-b) >= 0
}

func tsLess(a, b uint32) bool {
	return int32(a-b) < 0
}
