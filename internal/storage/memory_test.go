package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.AddDocument(ctx, "users", map[string]any{"username": "alice"})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	doc, err := s.GetDocument(ctx, "users", id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Data["username"] != "alice" {
		t.Errorf("username = %v", doc.Data["username"])
	}
	if _, ok := doc.Data["createdAt"].(time.Time); !ok {
		t.Error("createdAt 未由存储层填写")
	}

	if err := s.UpdateDocument(ctx, "users", id, map[string]any{"bio": "hi"}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	doc, _ = s.GetDocument(ctx, "users", id)
	if doc.Data["bio"] != "hi" {
		t.Errorf("bio = %v", doc.Data["bio"])
	}

	// nil 值清除字段
	if err := s.UpdateDocument(ctx, "users", id, map[string]any{"bio": nil}); err != nil {
		t.Fatalf("UpdateDocument(nil): %v", err)
	}
	doc, _ = s.GetDocument(ctx, "users", id)
	if _, exists := doc.Data["bio"]; exists {
		t.Error("bio 字段应已被清除")
	}

	if err := s.DeleteDocument(ctx, "users", id); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument(ctx, "users", id); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("删除后 Get 应返回 ErrDocumentNotFound，得到 %v", err)
	}
	if err := s.DeleteDocument(ctx, "users", id); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("重复删除应返回 ErrDocumentNotFound，得到 %v", err)
	}
}

func TestMemoryStoreQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mk := func(status string, parts []string) {
		t.Helper()
		if _, err := s.AddDocument(ctx, "relationships", map[string]any{
			"status":       status,
			"participants": parts,
		}); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}
	mk("pending", []string{"alice", "bob"})
	mk("accepted", []string{"alice", "carol"})
	mk("accepted", []string{"bob", "carol"})

	q := Query{}.Where("status", OpEqual, "accepted").Where("participants", OpArrayContains, "carol")
	docs, err := s.QueryDocuments(ctx, "relationships", q)
	if err != nil {
		t.Fatalf("QueryDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("结果数 = %d, want 2", len(docs))
	}

	// 精确数组匹配
	q = Query{}.Where("participants", OpEqual, []string{"alice", "bob"})
	docs, _ = s.QueryDocuments(ctx, "relationships", q)
	if len(docs) != 1 || docs[0].Data["status"] != "pending" {
		t.Errorf("数组精确匹配结果不对: %v", docs)
	}

	// 排序与截断
	q = Query{OrderBy: "createdAt", Descending: true, Limit: 2}
	docs, _ = s.QueryDocuments(ctx, "relationships", q)
	if len(docs) != 2 {
		t.Fatalf("limit 未生效: %d", len(docs))
	}
	first := docs[0].Data["createdAt"].(time.Time)
	second := docs[1].Data["createdAt"].(time.Time)
	if first.Before(second) {
		t.Error("倒序排序未生效")
	}
}

func TestMemoryStoreTransactionRace(t *testing.T) {
	// 两个并发事务都先查后建同一个用户对的文档，提交校验必须
	// 只放行一个创建，另一个重试后看到已存在的文档。
	ctx := context.Background()
	s := NewMemoryStore()

	pairQuery := Query{}.Where("participants", OpEqual, []string{"alice", "bob"})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(tx Transaction) error {
				docs, err := tx.Query("relationships", pairQuery)
				if err != nil {
					return err
				}
				if len(docs) > 0 {
					return nil // 对方已创建，放弃
				}
				_, err = tx.Create("relationships", map[string]any{
					"participants": []string{"alice", "bob"},
					"status":       "pending",
				})
				return err
			})
			if err != nil {
				t.Errorf("RunTransaction: %v", err)
			}
		}()
	}
	wg.Wait()

	docs, _ := s.QueryDocuments(ctx, "relationships", pairQuery)
	if len(docs) != 1 {
		t.Fatalf("用户对的文档数 = %d, want 1", len(docs))
	}
}

func TestMemoryStoreTransactionDomainErrorAborts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sentinel := errors.New("业务校验失败")

	attempts := 0
	err := s.RunTransaction(ctx, func(tx Transaction) error {
		attempts++
		if _, err := tx.Create("relationships", map[string]any{"status": "pending"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("事务体的错误应原样传出，得到 %v", err)
	}
	if attempts != 1 {
		t.Errorf("业务错误不应触发重试，执行了 %d 次", attempts)
	}
	docs, _ := s.QueryDocuments(ctx, "relationships", Query{})
	if len(docs) != 0 {
		t.Errorf("中止的事务不应留下写入: %d 个文档", len(docs))
	}
}

func TestMemoryStoreTransactionReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, _ := s.AddDocument(ctx, "users", map[string]any{"displayName": "旧名字"})

	err := s.RunTransaction(ctx, func(tx Transaction) error {
		if err := tx.Update("users", id, map[string]any{"displayName": "新名字"}); err != nil {
			return err
		}
		doc, err := tx.Get("users", id)
		if err != nil {
			return err
		}
		if doc.Data["displayName"] != "新名字" {
			t.Errorf("事务内未读到自己的写入: %v", doc.Data["displayName"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	doc, _ := s.GetDocument(ctx, "users", id)
	if doc.Data["displayName"] != "新名字" {
		t.Errorf("提交后的值 = %v", doc.Data["displayName"])
	}
}

func TestDocumentStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewMemoryStore()

	id, _ := s.AddDocument(ctx, "users", map[string]any{"displayName": "v1"})

	stream, err := s.DocumentStream(ctx, "users", id)
	if err != nil {
		t.Fatalf("DocumentStream: %v", err)
	}

	first := <-stream
	if first == nil || first.Data["displayName"] != "v1" {
		t.Fatalf("首个快照不对: %v", first)
	}

	if err := s.UpdateDocument(ctx, "users", id, map[string]any{"displayName": "v2"}); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	second := waitDoc(t, stream)
	if second == nil || second.Data["displayName"] != "v2" {
		t.Fatalf("更新后的快照不对: %v", second)
	}

	if err := s.DeleteDocument(ctx, "users", id); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	third := waitDoc(t, stream)
	if third != nil {
		t.Fatalf("删除后应发射 nil，得到 %v", third)
	}
}

func TestCollectionStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewMemoryStore()

	q := Query{}.Where("status", OpEqual, "accepted")
	stream, err := s.CollectionStream(ctx, "relationships", q)
	if err != nil {
		t.Fatalf("CollectionStream: %v", err)
	}

	first := waitDocs(t, stream)
	if len(first) != 0 {
		t.Fatalf("初始快照应为空，得到 %d", len(first))
	}

	// 不匹配查询的写入不应产生发射；随后的匹配写入产生一次
	if _, err := s.AddDocument(ctx, "relationships", map[string]any{"status": "pending"}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	id, _ := s.AddDocument(ctx, "relationships", map[string]any{"status": "accepted"})

	next := waitDocs(t, stream)
	if len(next) != 1 || next[0].ID != id {
		t.Fatalf("匹配写入后的快照不对: %v", next)
	}

	if err := s.DeleteDocument(ctx, "relationships", id); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	final := waitDocs(t, stream)
	if len(final) != 0 {
		t.Fatalf("删除后快照应为空，得到 %d", len(final))
	}
}

func waitDoc(t *testing.T, stream <-chan *Document) *Document {
	t.Helper()
	select {
	case doc, ok := <-stream:
		if !ok {
			t.Fatal("流已关闭")
		}
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("等待文档快照超时")
		return nil
	}
}

func waitDocs(t *testing.T, stream <-chan []Document) []Document {
	t.Helper()
	select {
	case docs, ok := <-stream:
		if !ok {
			t.Fatal("流已关闭")
		}
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("等待集合快照超时")
		return nil
	}
}
