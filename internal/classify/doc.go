// Package classify implements the relevance scorers and comment judges.
//
// Two scorer backends exist behind monitor.Scorer: a remote embedding model
// reached over HTTP and a local linear bag-of-words model loaded from a
// weights file. The backend is chosen once at construction; callers never
// branch on it afterwards. Comment judges follow the same split with a
// term-list rule judge and a remote model judge.
package classify
