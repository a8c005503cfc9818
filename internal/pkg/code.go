package pkg

import (
	cryptoRand "crypto/rand"
	"math/big"
)

// RandIntn 返回 [0, n) 的密码学随机数
func RandIntn(n int) (int, error) {
	x, err := cryptoRand.Int(cryptoRand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(x.Int64()), nil
}
