package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateSessionKey returns the cache key for a candidate's login session.
func (r *CacheKeyStruct) CandidateSessionKey(userID int) string {
	return fmt.Sprintf("login:%d", userID)
}

// AttemptStartKey returns the cache key for an attempt's start timestamp.
func (r *CacheKeyStruct) AttemptStartKey(examID string, userID int) string {
	return fmt.Sprintf("candidate:%d:exam:%s:attempt_start", userID, examID)
}

// ExamPaperKey returns the cache key for an exam's candidate-facing paper.
func (r *CacheKeyStruct) ExamPaperKey(examID string) string {
	return fmt.Sprintf("exam:%s:paper", examID)
}

// ExamScoringKey returns the cache key for an exam's privileged scoring
// catalog. Never served to candidates.
func (r *CacheKeyStruct) ExamScoringKey(examID string) string {
	return fmt.Sprintf("exam:%s:scoring", examID)
}

var CacheKey = NewCacheKeyStruct()
