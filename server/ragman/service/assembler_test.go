package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"msg_rag/server/ragman/domain"
)

func TestAssembleContextSections(t *testing.T) {
	recent := make([]domain.Message, 0, 7)
	for i := 1; i <= 7; i++ {
		recent = append(recent, domain.Message{SenderName: "Bob", Content: fmt.Sprintf("line %d", i)})
	}
	recent[6].SenderName = ""
	recent[6].SenderID = "u9"

	got := AssembleContext([]string{"first doc", "second doc"}, recent, 1000, 5)

	want := "[Relevant history]\n- first doc\n- second doc\n\n" +
		"[Recent conversation]\nBob: line 3\nBob: line 4\nBob: line 5\nBob: line 6\nu9: line 7\n\n"
	assert.Equal(t, want, got)
}

func TestAssembleContextBudgetStopsWithoutCutting(t *testing.T) {
	docs := []string{"aaaaa", "bbbbbbbbbb", "cc"}
	recent := []domain.Message{{SenderName: "A", Content: "x"}}

	got := AssembleContext(docs, recent, 12, 5)

	assert.Equal(t, "[Relevant history]\n- aaaaa\n\n[Recent conversation]\nA: x\n\n", got)
}

func TestAssembleContextCountsRunes(t *testing.T) {
	got := AssembleContext([]string{"数据库迁移"}, nil, 5, 5)
	assert.Equal(t, "[Relevant history]\n- 数据库迁移\n\n", got)
}

func TestAssembleContextEmptyAndDeterministic(t *testing.T) {
	assert.Equal(t, "", AssembleContext(nil, nil, 100, 5))

	docs := []string{"one", "two"}
	assert.Equal(t, AssembleContext(docs, nil, 100, 5), AssembleContext(docs, nil, 100, 5))
}
