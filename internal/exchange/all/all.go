package all

// 统一导入所有内置适配器以触发 init() 注册。
// 入口只需要导入这一处，新增适配器时不再修改入口代码。

import (
	_ "github.com/betbot/sigrouter/internal/exchange/evmclob"
	_ "github.com/betbot/sigrouter/internal/exchange/simulated"
)
