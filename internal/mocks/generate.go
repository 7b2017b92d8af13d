// Package mocks provides gomock implementations of the core ports for tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	queue := mocks.NewMockJobQueue(ctrl)
//	queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_queue_mock.go github.com/target/researchq/internal/core JobQueue
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_store_mock.go github.com/target/researchq/internal/core JobStore
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=report_store_mock.go github.com/target/researchq/internal/core ReportStore
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=log_store_mock.go github.com/target/researchq/internal/core LogStore
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=log_reader_mock.go github.com/target/researchq/internal/core LogReader
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/target/researchq/internal/core CacheRepository
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/target/researchq/internal/core ReaperRepository
