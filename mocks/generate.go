package mocks

//go:generate mockgen -destination provider.go -package mocks github.com/vkngwrapper/faultline/memutils/pages Provider
//go:generate mockgen -destination sink.go -package mocks github.com/vkngwrapper/faultline/faultline Sink
