package service

import (
	"os"
	"testing"

	commonlog "msg_rag/server/common/log"
)

func TestMain(m *testing.M) {
	commonlog.Disable()
	os.Exit(m.Run())
}
