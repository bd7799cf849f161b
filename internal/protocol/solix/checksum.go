package solix

import "errors"

var (
	// ErrChecksumMismatch 校验和不一致
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Checksum 计算帧校验和
// 算法：对头部+字段区（含时间戳字段）所有字节做异或
// 任意单字节变化都会改变结果
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// VerifyChecksum 校验完整帧（最后一个字节为校验和）
func VerifyChecksum(frame []byte) error {
	if len(frame) < 1 {
		return errors.New("data too short for checksum verification")
	}
	pos := len(frame) - 1
	if Checksum(frame[:pos]) != frame[pos] {
		return ErrChecksumMismatch
	}
	return nil
}

// appendChecksum 追加校验和字节
func appendChecksum(data []byte) []byte {
	return append(data, Checksum(data))
}
