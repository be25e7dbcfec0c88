// Package primitive は外部暗号プリミティブライブラリとの境界を提供する。
package primitive

import (
	"context"

	"hybrid-crypto-service/internal/domain"
)

// callResult はプリミティブ呼び出しの結果を表す。
type callResult struct {
	buffers [][]byte
	err     error
}

// callTask はワーカープールに投入される1回のプリミティブ呼び出し。
// reply はバッファ1のチャネルであり、呼び出し側がタイムアウトで離脱した
// 後に完了した結果は誰にも受信されず破棄される。
type callTask struct {
	fn    func() ([][]byte, error)
	reply chan callResult
}

// callPool は境界越え呼び出し用の有限ワーカープール。
// ブリッジプロセス側が内部で直列化する可能性があるため、安全な並列度は
// 設定値で与える（BRIDGE_POOL_SIZE）。
type callPool struct {
	tasks chan callTask
	done  chan struct{}
}

// newCallPool は指定されたワーカー数でプールを起動する。
func newCallPool(workers int) *callPool {
	if workers < 1 {
		workers = 1
	}
	p := &callPool{
		tasks: make(chan callTask),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *callPool) worker() {
	for {
		select {
		case task := <-p.tasks:
			buffers, err := task.fn()
			// バッファ1への送信は常に成功する。受信者がいなければ破棄される。
			task.reply <- callResult{buffers: buffers, err: err}
		case <-p.done:
			return
		}
	}
}

// submit は呼び出しをプールに投入し、完了かタイムアウトを待つ。
// タイムアウト後の遅延完了は適用されない。
func (p *callPool) submit(ctx context.Context, fn func() ([][]byte, error)) ([][]byte, error) {
	task := callTask{fn: fn, reply: make(chan callResult, 1)}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return nil, domain.ErrPrimitiveUnavailable
	case <-p.done:
		return nil, domain.ErrPrimitiveUnavailable
	}

	select {
	case res := <-task.reply:
		return res.buffers, res.err
	case <-ctx.Done():
		return nil, domain.ErrPrimitiveUnavailable
	}
}

// close はプールを停止する。実行中の呼び出しは完了まで走る。
func (p *callPool) close() {
	close(p.done)
}
