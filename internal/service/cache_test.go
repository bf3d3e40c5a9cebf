package service

import (
	"testing"
	"time"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

func TestRecordCache(t *testing.T) {
	c := NewRecordCache(2, time.Minute)
	rec := &model.LinkRecord{ID: "a", BlobRef: "blob_a", DownloadCount: 1}

	if _, ok := c.Get("a"); ok {
		t.Fatal("пустой кэш не должен возвращать запись")
	}

	c.Set(rec)
	rec.DownloadCount = 100 // изменение оригинала не влияет на кэш

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("запись должна быть в кэше")
	}
	if got.DownloadCount != 1 {
		t.Errorf("кэш должен хранить копию, DownloadCount=%d", got.DownloadCount)
	}
	got.BlobRef = "changed"
	if again, _ := c.Get("a"); again.BlobRef != "blob_a" {
		t.Error("Get должен возвращать копию")
	}

	c.Set(&model.LinkRecord{ID: "b"})
	c.Set(&model.LinkRecord{ID: "c"})
	if c.Len() != 2 {
		t.Errorf("Len: хотели 2, получили %d", c.Len())
	}

	c.Delete("c")
	if _, ok := c.Get("c"); ok {
		t.Error("запись должна быть удалена")
	}
}

func TestRecordCache_TTL(t *testing.T) {
	c := NewRecordCache(10, 20*time.Millisecond)
	c.Set(&model.LinkRecord{ID: "a"})
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("запись должна истечь по TTL")
	}
}
