// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"container/list"
	"context"
	"sync"
)

// MemoryStore is an in-process arena with a fixed capacity. On
// overflow the oldest entry is evicted, keeping memory bounded without
// a separate sweeper.
type MemoryStore struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // oldest at front
	mu       sync.RWMutex
}

type memoryItem struct {
	key   string
	entry *Entry
}

// DefaultMemoryCapacity bounds the in-memory arena.
const DefaultMemoryCapacity = 10000

// NewMemoryStore creates a memory store. A non-positive capacity falls
// back to the default.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	elem, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	copied := *elem.Value.(*memoryItem).entry
	return &copied, nil
}

// Put implements Store. Overwriting a key refreshes its insertion
// position; inserting over capacity evicts the oldest entry.
func (s *MemoryStore) Put(_ context.Context, key string, entry *Entry) error {
	copied := *entry

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		elem.Value.(*memoryItem).entry = &copied
		s.order.MoveToBack(elem)
		return nil
	}

	if s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*memoryItem).key)
		}
	}
	s.entries[key] = s.order.PushBack(&memoryItem{key: key, entry: &copied})
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if elem, ok := s.entries[key]; ok {
			s.order.Remove(elem)
			delete(s.entries, key)
		}
	}
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(_ context.Context) (map[string]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Entry, len(s.entries))
	for key, elem := range s.entries {
		copied := *elem.Value.(*memoryItem).entry
		out[key] = &copied
	}
	return out, nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
