package cache

import "github.com/stretchr/testify/mock"

// MockCacheBackend is a mock type for the Backend type
type MockCacheBackend struct {
	mock.Mock
}

// Get provides a mock function with given fields: key
func (_m *MockCacheBackend) Get(key int64) (string, bool) {
	ret := _m.Called(key)
	return ret.String(0), ret.Bool(1)
}

// Set provides a mock function with given fields: key, value
func (_m *MockCacheBackend) Set(key int64, value string) bool {
	ret := _m.Called(key, value)
	return ret.Bool(0)
}

// Del provides a mock function with given fields: key
func (_m *MockCacheBackend) Del(key int64) {
	_m.Called(key)
}

// Clear provides a mock function with given fields:
func (_m *MockCacheBackend) Clear() {
	_m.Called()
}

// Wait provides a mock function with given fields:
func (_m *MockCacheBackend) Wait() {
	_m.Called()
}
