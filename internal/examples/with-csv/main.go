package main

// csv作为引擎历史存储的数据源

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/blingmoon/simple-bpm/internal/commonregister"
	"github.com/pkg/errors"
)

var _ engine.HistoryRepo = (*CsvRepo)(nil)

type CsvRepo struct {
	instanceFile string
	eventFile    string
	mu           sync.RWMutex
}

// NewCsvRepo 创建 CSV 存储实现
// instanceFile: ProcessInstancePo 对应的 CSV 文件路径，如 "process_instance.csv"
// eventFile: ElementEventPo 对应的 CSV 文件路径，如 "element_event.csv"
func NewCsvRepo(instanceFile, eventFile string) *CsvRepo {
	repo := &CsvRepo{
		instanceFile: instanceFile,
		eventFile:    eventFile,
	}
	// 初始化 CSV 文件，如果不存在则创建并写入表头
	repo.initCSVFiles()
	return repo
}

// initCSVFiles 初始化 CSV 文件，如果不存在则创建并写入表头
func (c *CsvRepo) initCSVFiles() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.instanceFile); os.IsNotExist(err) {
		c.writeInstanceHeader()
	}
	if _, err := os.Stat(c.eventFile); os.IsNotExist(err) {
		c.writeEventHeader()
	}
}

func (c *CsvRepo) writeInstanceHeader() {
	file, err := os.Create(c.instanceFile)
	if err != nil {
		return
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Write([]string{"instance_key", "process_id", "version", "status", "parent_key", "variables", "created_at", "updated_at"})
}

func (c *CsvRepo) writeEventHeader() {
	file, err := os.Create(c.eventFile)
	if err != nil {
		return
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	defer writer.Flush()
	writer.Write([]string{"seq", "instance_key", "process_id", "element_id", "element_type", "event_type", "payload", "created_at"})
}

// readInstances 读取所有实例记录
func (c *CsvRepo) readInstances() ([]*engine.ProcessInstancePo, error) {
	file, err := os.Open(c.instanceFile)
	if err != nil {
		return nil, errors.WithMessage(err, "open instance file failed")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WithMessage(err, "read instance CSV failed")
	}
	if len(records) < 2 {
		return []*engine.ProcessInstancePo{}, nil
	}

	instances := make([]*engine.ProcessInstancePo, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		record := records[i]
		if len(record) < 8 {
			continue
		}

		instanceKey, _ := strconv.ParseInt(record[0], 10, 64)
		version, _ := strconv.ParseInt(record[2], 10, 64)
		parentKey, _ := strconv.ParseInt(record[4], 10, 64)
		createdAt, _ := strconv.ParseInt(record[6], 10, 64)
		updatedAt, _ := strconv.ParseInt(record[7], 10, 64)

		instances = append(instances, &engine.ProcessInstancePo{
			InstanceKey: instanceKey,
			ProcessID:   record[1],
			Version:     version,
			Status:      engine.InstanceStatus(record[3]),
			ParentKey:   parentKey,
			Variables:   []byte(record[5]),
			CreatedAt:   createdAt,
			UpdatedAt:   updatedAt,
		})
	}
	return instances, nil
}

// writeInstances 全量重写实例文件
func (c *CsvRepo) writeInstances(instances []*engine.ProcessInstancePo) error {
	file, err := os.Create(c.instanceFile)
	if err != nil {
		return errors.WithMessage(err, "create instance file failed")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"instance_key", "process_id", "version", "status", "parent_key", "variables", "created_at", "updated_at"})
	for _, inst := range instances {
		writer.Write([]string{
			strconv.FormatInt(inst.InstanceKey, 10),
			inst.ProcessID,
			strconv.FormatInt(inst.Version, 10),
			string(inst.Status),
			strconv.FormatInt(inst.ParentKey, 10),
			string(inst.Variables),
			strconv.FormatInt(inst.CreatedAt, 10),
			strconv.FormatInt(inst.UpdatedAt, 10),
		})
	}
	return nil
}

// readEvents 读取所有事件记录
func (c *CsvRepo) readEvents() ([]*engine.ElementEventPo, error) {
	file, err := os.Open(c.eventFile)
	if err != nil {
		return nil, errors.WithMessage(err, "open event file failed")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WithMessage(err, "read event CSV failed")
	}
	if len(records) < 2 {
		return []*engine.ElementEventPo{}, nil
	}

	events := make([]*engine.ElementEventPo, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		record := records[i]
		if len(record) < 8 {
			continue
		}

		seq, _ := strconv.ParseInt(record[0], 10, 64)
		instanceKey, _ := strconv.ParseInt(record[1], 10, 64)
		createdAt, _ := strconv.ParseInt(record[7], 10, 64)

		events = append(events, &engine.ElementEventPo{
			Seq:         seq,
			InstanceKey: instanceKey,
			ProcessID:   record[2],
			ElementID:   record[3],
			ElementType: record[4],
			EventType:   engine.EventType(record[5]),
			Payload:     []byte(record[6]),
			CreatedAt:   createdAt,
		})
	}
	return events, nil
}

func (c *CsvRepo) CreateInstance(ctx context.Context, instance *engine.ProcessInstancePo) (*engine.ProcessInstancePo, error) {
	if instance == nil {
		return nil, errors.New("nil ProcessInstancePo")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.OpenFile(c.instanceFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "open instance file failed")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	err = writer.Write([]string{
		strconv.FormatInt(instance.InstanceKey, 10),
		instance.ProcessID,
		strconv.FormatInt(instance.Version, 10),
		string(instance.Status),
		strconv.FormatInt(instance.ParentKey, 10),
		string(instance.Variables),
		strconv.FormatInt(instance.CreatedAt, 10),
		strconv.FormatInt(instance.UpdatedAt, 10),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "write instance failed")
	}
	return instance, nil
}

func (c *CsvRepo) UpdateInstanceStatus(ctx context.Context, instanceKey int64, status engine.InstanceStatus, updatedAt int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	instances, err := c.readInstances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.InstanceKey == instanceKey {
			inst.Status = status
			inst.UpdatedAt = updatedAt
		}
	}
	return c.writeInstances(instances)
}

func (c *CsvRepo) QueryInstance(ctx context.Context, param *engine.QueryInstanceParams) ([]*engine.ProcessInstancePo, error) {
	if param == nil {
		return nil, errors.New("nil QueryInstanceParams")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	instances, err := c.readInstances()
	if err != nil {
		return nil, err
	}

	ret := make([]*engine.ProcessInstancePo, 0)
	for _, inst := range instances {
		if param.InstanceKey != nil && inst.InstanceKey != *param.InstanceKey {
			continue
		}
		if len(param.ProcessIDIn) > 0 && !contains(param.ProcessIDIn, inst.ProcessID) {
			continue
		}
		if len(param.StatusIn) > 0 && !contains(param.StatusIn, string(inst.Status)) {
			continue
		}
		ret = append(ret, inst)
	}
	if param.OrderbyKeyAsc != nil {
		asc := *param.OrderbyKeyAsc
		sort.Slice(ret, func(i, j int) bool {
			if asc {
				return ret[i].InstanceKey < ret[j].InstanceKey
			}
			return ret[i].InstanceKey > ret[j].InstanceKey
		})
	}
	return paginate(ret, param.Page), nil
}

func (c *CsvRepo) AppendEvent(ctx context.Context, event *engine.ElementEventPo) error {
	if event == nil {
		return errors.New("nil ElementEventPo")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.OpenFile(c.eventFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithMessage(err, "open event file failed")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()
	err = writer.Write([]string{
		strconv.FormatInt(event.Seq, 10),
		strconv.FormatInt(event.InstanceKey, 10),
		event.ProcessID,
		event.ElementID,
		event.ElementType,
		string(event.EventType),
		string(event.Payload),
		strconv.FormatInt(event.CreatedAt, 10),
	})
	if err != nil {
		return errors.WithMessage(err, "write event failed")
	}
	return nil
}

func (c *CsvRepo) QueryEvent(ctx context.Context, param *engine.QueryEventParams) ([]*engine.ElementEventPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEventParams")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	events, err := c.readEvents()
	if err != nil {
		return nil, err
	}

	ret := make([]*engine.ElementEventPo, 0)
	for _, ev := range events {
		if param.InstanceKey != nil && ev.InstanceKey != *param.InstanceKey {
			continue
		}
		if len(param.EventTypeIn) > 0 && !contains(param.EventTypeIn, string(ev.EventType)) {
			continue
		}
		if len(param.ElementIDIn) > 0 && !contains(param.ElementIDIn, ev.ElementID) {
			continue
		}
		ret = append(ret, ev)
	}
	// 事件日志只追加,seq升序就是发生顺序
	sort.Slice(ret, func(i, j int) bool { return ret[i].Seq < ret[j].Seq })
	return paginate(ret, param.Page), nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func paginate[T any](list []T, page *engine.Pager) []T {
	if page == nil {
		return list
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		return list
	}
	p := page.Page
	if p == 0 {
		p = 1
	}
	size := page.Size
	if size == 0 {
		size = 10
	}
	start := (p - 1) * size
	if start >= int64(len(list)) {
		return []T{}
	}
	end := start + size
	if end > int64(len(list)) {
		end = int64(len(list))
	}
	return list[start:end]
}

func main() {
	fmt.Println("=== Simple BPM + CSV 存储示例 ===")
	fmt.Println()

	// 1. 创建 CSV 存储和引擎
	repo := NewCsvRepo("process_instance.csv", "element_event.csv")
	bpm := engine.NewEngine(repo, engine.NewLocalEngineLock(), nil)
	fmt.Println("✓ 引擎创建成功(CSV存储)")

	// 2. 部署审批流程并注册worker
	workers, err := commonregister.RegisterApprovalProcess(bpm)
	if err != nil {
		panic(err)
	}

	// 3. 创建实例并驱动到完成
	ctx := context.Background()
	key, err := bpm.CreateInstance(ctx, &engine.CreateInstanceReq{
		ProcessID: "approval_process",
		Variables: map[string]any{"amount": 300},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("实例创建成功, key: %d\n", key)

	if err := commonregister.DriveToCompletion(ctx, workers); err != nil {
		panic(err)
	}

	// 4. 断言实例状态
	query, err := bpm.QueryInstance(ctx, key)
	if err != nil {
		panic(err)
	}
	fmt.Printf("实例状态: %s\n", query.Status())
	fmt.Println()
	fmt.Println("📁 数据文件: process_instance.csv / element_event.csv")
}
