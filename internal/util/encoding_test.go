package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestEnsureUTF8PassThrough(t *testing.T) {
	assert.Equal(t, "R1# show version", EnsureUTF8("R1# show version"))
	assert.Equal(t, "接口已启用", EnsureUTF8("接口已启用"))
}

func TestEnsureUTF8BytesDecodesGB18030(t *testing.T) {
	enc, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte("配置已保存"))
	assert.NoError(t, err)
	assert.Equal(t, "配置已保存", EnsureUTF8Bytes(enc))
}

func TestEnsureUTF8BytesEmpty(t *testing.T) {
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
}
